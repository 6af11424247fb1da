package handler

import (
	"bytes"
	"context"
	"fmt"

	"github.com/emersion/go-message"

	"github.com/moriyoshi/mailplug/maildir"
	"github.com/moriyoshi/mailplug/types"
)

// Mailbox is the message pipeline terminated by a maildir store: every
// transaction ends up as one file under the directory given at
// construction.
type Mailbox struct {
	*Message
	store *maildir.Store
}

var (
	_ types.Handler     = (*Mailbox)(nil)
	_ types.DataHandler = (*Mailbox)(nil)
	_ MessageHandler    = (*Mailbox)(nil)
)

// NewMailbox stores messages below dir, creating the maildir layout as
// needed. Directory trouble surfaces here, not at delivery time.
func NewMailbox(dir string, options ...MessageOptionFunc) (*Mailbox, error) {
	store, err := maildir.Open(dir)
	if err != nil {
		return nil, err
	}
	mb := &Mailbox{store: store}
	mb.Message, err = NewMessage(mb, options...)
	if err != nil {
		return nil, err
	}
	return mb, nil
}

func (*Mailbox) Name() string { return "mailbox" }

func (mb *Mailbox) HandleMessage(_ context.Context, msg *message.Entity) error {
	var buf bytes.Buffer
	if err := msg.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	_, err := mb.store.Add(&buf)
	return err
}

// Store exposes the underlying maildir, mainly to test harnesses.
func (mb *Mailbox) Store() *maildir.Store {
	return mb.store
}

// Reset empties the store.
func (mb *Mailbox) Reset() error {
	return mb.store.Clear()
}
