package handler

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moriyoshi/mailplug/internal/smtptest"
	"github.com/moriyoshi/mailplug/types"
)

func newTestRelay(t *testing.T, be *smtptest.Backend, options ...RelayOptionFunc) *Relay {
	t.Helper()
	host, portStr, err := net.SplitHostPort(smtptest.Server(t, be))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	relay, err := NewRelay(host, port, options...)
	require.NoError(t, err)
	return relay
}

func unreachableAddr(t *testing.T) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	return host, port
}

func TestInsertPeerHeader(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
		want string
	}{
		{
			"crlf",
			"Subject: hi\r\n\r\nbody\r\n",
			"Subject: hi\r\nX-Peer: 127.0.0.1\r\n\r\nbody\r\n",
		},
		{
			"lf",
			"Subject: hi\n\nbody\n",
			"Subject: hi\nX-Peer: 127.0.0.1\n\nbody\n",
		},
		{
			"mixed terminators keep the separator's own",
			"Subject: hi\r\n\nbody\n",
			"Subject: hi\r\nX-Peer: 127.0.0.1\n\nbody\n",
		},
		{
			"no separator appends at the end",
			"Subject: hi\r\n",
			"Subject: hi\r\nX-Peer: 127.0.0.1\r\n",
		},
		{
			"no separator, unterminated last line",
			"Subject: hi\nbody",
			"Subject: hi\nbodyX-Peer: 127.0.0.1\r\n",
		},
		{
			"empty content",
			"",
			"X-Peer: 127.0.0.1\r\n",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, string(insertPeerHeader([]byte(tc.in), "127.0.0.1")))
		})
	}
}

func TestRelayHandleData(t *testing.T) {
	be := &smtptest.Backend{}
	relay := newTestRelay(t, be)

	err := relay.HandleData(context.Background(), testSession(),
		testEnvelope(types.Text("Subject: hi\r\n\r\nbody\r\n")))
	require.NoError(t, err)

	msgs := be.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "a@example.com", msgs[0].From)
	assert.Equal(t, []string{"b@example.com", "c@example.com"}, msgs[0].Rcpt)
	assert.Equal(t, "Subject: hi\r\nX-Peer: 127.0.0.1\r\n\r\nbody\r\n", string(msgs[0].Data))
}

func TestRelayDeliverPartialRefusal(t *testing.T) {
	be := &smtptest.Backend{
		RcptErr: map[string]error{
			"c@example.com": &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "User unknown"},
		},
	}
	relay := newTestRelay(t, be)

	refused := relay.deliver(context.Background(), "a@example.com",
		[]string{"b@example.com", "c@example.com"}, []byte("body\r\n"))
	assert.Equal(t, types.Refusals{
		"c@example.com": {Code: 550, Message: "User unknown"},
	}, refused)
}

func TestRelayDeliverAllRefused(t *testing.T) {
	be := &smtptest.Backend{
		RcptErr: map[string]error{
			"b@example.com": &smtp.SMTPError{Code: 550, Message: "no"},
			"c@example.com": &smtp.SMTPError{Code: 553, Message: "really no"},
		},
	}
	relay := newTestRelay(t, be)

	refused := relay.deliver(context.Background(), "a@example.com",
		[]string{"b@example.com", "c@example.com"}, []byte("body\r\n"))
	assert.Equal(t, types.Refusals{
		"b@example.com": {Code: 550, Message: "no"},
		"c@example.com": {Code: 553, Message: "really no"},
	}, refused)
}

func TestRelayDeliverConnectFailure(t *testing.T) {
	host, port := unreachableAddr(t)
	relay, err := NewRelay(host, port)
	require.NoError(t, err)

	refused := relay.deliver(context.Background(), "a@example.com",
		[]string{"b@example.com", "c@example.com"}, []byte("body\r\n"))
	assert.Equal(t, types.Refusals{
		"b@example.com": {Code: -1, Message: "ignore"},
		"c@example.com": {Code: -1, Message: "ignore"},
	}, refused)
}

func TestRelayDeliverSenderRefused(t *testing.T) {
	be := &smtptest.Backend{
		MailErr: &smtp.SMTPError{Code: 451, Message: "try again later"},
	}
	relay := newTestRelay(t, be)

	refused := relay.deliver(context.Background(), "a@example.com",
		[]string{"b@example.com"}, []byte("body\r\n"))
	assert.Equal(t, types.Refusals{
		"b@example.com": {Code: 451, Message: "try again later"},
	}, refused)
}

func TestRelayNeverEscalates(t *testing.T) {
	host, port := unreachableAddr(t)
	relay, err := NewRelay(host, port)
	require.NoError(t, err)

	err = relay.HandleData(context.Background(), testSession(),
		testEnvelope(types.Bytes("Subject: hi\r\n\r\nbody\r\n")))
	assert.NoError(t, err)
}
