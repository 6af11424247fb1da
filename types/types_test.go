package types

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type nameOnly struct{}

func (nameOnly) Name() string { return "name-only" }

type dataOnly struct{ nameOnly }

func (dataOnly) HandleData(context.Context, Session, Envelope) error { return nil }

type everything struct{ nameOnly }

func (everything) HandleMail(context.Context, Session, Address) error { return nil }

func (everything) HandleRcpt(context.Context, Session, Envelope, Address) error { return nil }

func (everything) HandleData(context.Context, Session, Envelope) error { return nil }

func (everything) HandleReset(context.Context, Session) error { return nil }

func TestPeerString(t *testing.T) {
	assert.Equal(t, "127.0.0.1:2500", Peer{Host: "127.0.0.1", Port: 2500}.String())
	assert.Equal(t, "[::1]:25", Peer{Host: "::1", Port: 25}.String())
}

func TestPeerFromAddr(t *testing.T) {
	p := PeerFromAddr(&net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 4242})
	assert.Equal(t, Peer{Host: "192.0.2.1", Port: 4242}, p)
}

func TestContentBytes(t *testing.T) {
	assert.Equal(t, []byte("raw"), ContentBytes(Bytes("raw")))
	assert.Equal(t, []byte("decoded"), ContentBytes(Text("decoded")))
	assert.Panics(t, func() { ContentBytes(nil) })
}

func TestEnvelopeRecipients(t *testing.T) {
	env := NewEnvelope(
		NewAddress("a@example.com"),
		[]Address{
			NewAddress("b@example.com", "NOTIFY=NEVER"),
			NewAddress("c@example.com"),
		},
		Bytes("data"),
	)
	assert.Equal(t, []string{"b@example.com", "c@example.com"}, env.Recipients())
	assert.Equal(t, []string{"NOTIFY=NEVER"}, env.RcptTo()[0].Options())
}

func TestHooksOf(t *testing.T) {
	hooks := HooksOf(nameOnly{})
	assert.Nil(t, hooks.Mail)
	assert.Nil(t, hooks.Rcpt)
	assert.Nil(t, hooks.Data)
	assert.Nil(t, hooks.Reset)

	hooks = HooksOf(dataOnly{})
	assert.Nil(t, hooks.Mail)
	assert.NotNil(t, hooks.Data)

	hooks = HooksOf(everything{})
	assert.NotNil(t, hooks.Mail)
	assert.NotNil(t, hooks.Rcpt)
	assert.NotNil(t, hooks.Data)
	assert.NotNil(t, hooks.Reset)
}
