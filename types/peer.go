package types

import (
	"net"
	"strconv"
)

// Peer identifies the remote end of the connection a transaction
// arrived over.
type Peer struct {
	Host string
	Port int
}

// PeerFromAddr derives a Peer from a network address, typically the
// remote address of an accepted connection.
func PeerFromAddr(addr net.Addr) Peer {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Peer{Host: addr.String()}
	}
	n, _ := strconv.Atoi(port)
	return Peer{Host: host, Port: n}
}

func (p Peer) String() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}
