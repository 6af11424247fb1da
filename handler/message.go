package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"

	"github.com/moriyoshi/mailplug/types"
)

// ErrNotImplemented is returned by the message pipeline when it was
// built without a MessageHandler.
var ErrNotImplemented = errors.New("message handling not implemented")

// MessageHandler is the terminal step of the message pipeline.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *message.Entity) error
}

// ParseFunc turns raw content into a structured message.
type ParseFunc func(r io.Reader) (*message.Entity, error)

// Message parses each transaction's content into a structured message,
// stamps it with provenance headers and hands it to a MessageHandler.
type Message struct {
	handler MessageHandler
	parse   ParseFunc
}

var (
	_ types.Handler     = (*Message)(nil)
	_ types.DataHandler = (*Message)(nil)
)

type MessageOptionFunc func(*Message) error

// WithParseFunc overrides how raw content becomes a structured message.
func WithParseFunc(parse ParseFunc) MessageOptionFunc {
	return func(m *Message) error {
		m.parse = parse
		return nil
	}
}

// NewMessage builds the pipeline around h. A nil h makes HandleData fail
// with ErrNotImplemented; wrappers supply themselves as the terminal
// step instead.
func NewMessage(h MessageHandler, options ...MessageOptionFunc) (*Message, error) {
	m := &Message{
		handler: h,
		parse:   defaultParse,
	}
	for _, option := range options {
		if err := option(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Exotic charsets and encodings are a property of the message, not a
// malformation; keep the entity and carry on.
func defaultParse(r io.Reader) (*message.Entity, error) {
	msg, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, err
	}
	return msg, nil
}

func (m *Message) Name() string { return "message" }

func (m *Message) HandleData(ctx context.Context, sess types.Session, env types.Envelope) error {
	msg, err := m.Prepare(sess, env)
	if err != nil {
		return err
	}
	if m.handler == nil {
		return ErrNotImplemented
	}
	return m.handler.HandleMessage(ctx, msg)
}

// Prepare parses the content and appends the provenance headers X-Peer,
// X-MailFrom and X-RcptTo below the existing ones. The envelope itself
// is left untouched.
func (m *Message) Prepare(sess types.Session, env types.Envelope) (*message.Entity, error) {
	var r io.Reader
	switch content := env.Content().(type) {
	case types.Bytes:
		r = bytes.NewReader(content)
	case types.Text:
		r = strings.NewReader(string(content))
	default:
		panic(fmt.Sprintf("handler: content must be types.Bytes or types.Text, got %T", content))
	}
	msg, err := m.parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	appendFields(&msg.Header.Header,
		headerField{"X-Peer", sess.Peer.String()},
		headerField{"X-MailFrom", env.MailFrom().Addr()},
		headerField{"X-RcptTo", strings.Join(env.Recipients(), ", ")},
	)
	return msg, nil
}

type headerField struct {
	key, value string
}

// appendFields adds fields at the bottom of the header block. Add
// prepends (the trace-header convention), so the block is rebuilt with
// the new fields pushed first.
func appendFields(h *textproto.Header, adds ...headerField) {
	var fields []headerField
	for f := h.Fields(); f.Next(); {
		fields = append(fields, headerField{f.Key(), f.Value()})
	}
	var rebuilt textproto.Header
	for i := len(adds) - 1; i >= 0; i-- {
		rebuilt.Add(adds[i].key, adds[i].value)
	}
	for i := len(fields) - 1; i >= 0; i-- {
		rebuilt.Add(fields[i].key, fields[i].value)
	}
	*h = rebuilt
}
