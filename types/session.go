package types

// Session describes the connection state a transaction belongs to. It is
// assembled by the serving layer and read-only for handlers.
type Session struct {
	ID       string
	Peer     Peer
	HeloName string
	TLS      bool
}
