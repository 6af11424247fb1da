package types

import "context"

// Handler is a unit of mail-processing behavior plugged into a server.
// Everything beyond the name is declared through the optional capability
// interfaces below: the serving layer invokes whichever of them a
// handler implements and falls back to its defaults otherwise.
type Handler interface {
	Name() string
}

// MailHandler vets the sender opening a transaction. A non-nil error
// refuses the sender.
type MailHandler interface {
	HandleMail(ctx context.Context, sess Session, from Address) error
}

// RcptHandler vets one recipient. env carries the transaction so far;
// the serving layer records the recipient itself once accepted.
type RcptHandler interface {
	HandleRcpt(ctx context.Context, sess Session, env Envelope, rcpt Address) error
}

// DataHandler consumes a completed transaction.
type DataHandler interface {
	HandleData(ctx context.Context, sess Session, env Envelope) error
}

// ResetHandler is told when a transaction is dropped before completion.
type ResetHandler interface {
	HandleReset(ctx context.Context, sess Session) error
}

// Hooks is a handler's capability table. A nil entry means the handler
// does not implement the capability.
type Hooks struct {
	Mail  func(ctx context.Context, sess Session, from Address) error
	Rcpt  func(ctx context.Context, sess Session, env Envelope, rcpt Address) error
	Data  func(ctx context.Context, sess Session, env Envelope) error
	Reset func(ctx context.Context, sess Session) error
}

// HooksOf resolves h's capability table. The table is fixed per handler
// instance, so resolve once and reuse rather than asserting per event.
func HooksOf(h Handler) Hooks {
	var hooks Hooks
	if m, ok := h.(MailHandler); ok {
		hooks.Mail = m.HandleMail
	}
	if r, ok := h.(RcptHandler); ok {
		hooks.Rcpt = r.HandleRcpt
	}
	if d, ok := h.(DataHandler); ok {
		hooks.Data = d.HandleData
	}
	if r, ok := h.(ResetHandler); ok {
		hooks.Reset = r.HandleReset
	}
	return hooks
}
