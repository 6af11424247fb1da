package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/emersion/go-smtp"

	"github.com/moriyoshi/mailplug/internal/lineend"
	"github.com/moriyoshi/mailplug/internal/logging"
	"github.com/moriyoshi/mailplug/smtpclient"
	"github.com/moriyoshi/mailplug/types"
)

// Relay forwards every completed transaction to a fixed upstream server,
// recording the origin in an X-Peer header. Upstream refusals are logged
// and swallowed: the sender sees success regardless of the upstream's
// verdict.
type Relay struct {
	client        *smtpclient.Client
	clientOptions []smtpclient.ClientOptionFunc
	logger        *slog.Logger
}

var (
	_ types.Handler     = (*Relay)(nil)
	_ types.DataHandler = (*Relay)(nil)
)

// Refusal status used when a failure carries no SMTP status of its own.
const (
	refusalCodeNone    = -1
	refusalMessageNone = "ignore"
)

type RelayOptionFunc func(*Relay) error

func WithRelayLogger(logger *slog.Logger) RelayOptionFunc {
	return func(relay *Relay) error {
		if logger == nil {
			logger = logging.Discard()
		}
		relay.logger = logger
		return nil
	}
}

// WithClientOptions passes options through to the delivery client.
func WithClientOptions(options ...smtpclient.ClientOptionFunc) RelayOptionFunc {
	return func(relay *Relay) error {
		relay.clientOptions = append(relay.clientOptions, options...)
		return nil
	}
}

func NewRelay(host string, port int, options ...RelayOptionFunc) (*Relay, error) {
	relay := &Relay{
		logger: logging.Discard(),
	}
	for _, option := range options {
		if err := option(relay); err != nil {
			return nil, err
		}
	}
	clientOptions := append([]smtpclient.ClientOptionFunc{smtpclient.WithLogger(relay.logger)}, relay.clientOptions...)
	client, err := smtpclient.New(host, port, clientOptions...)
	if err != nil {
		return nil, err
	}
	relay.client = client
	return relay, nil
}

func (*Relay) Name() string { return "relay" }

func (relay *Relay) HandleData(ctx context.Context, sess types.Session, env types.Envelope) error {
	data := insertPeerHeader(types.ContentBytes(env.Content()), sess.Peer.Host)
	refused := relay.deliver(ctx, env.MailFrom().Addr(), env.Recipients(), data)
	relay.logger.InfoContext(ctx, "delivery refusals", slog.Any("refusals", refused))
	return nil
}

// deliver pushes the message upstream and folds every failure mode into
// a refusal map: a partial map comes back as-is, a delivery that failed
// as a whole covers all recipients, with the upstream's status when the
// failure carried one.
func (relay *Relay) deliver(ctx context.Context, from string, rcpts []string, data []byte) types.Refusals {
	refused, err := relay.client.Send(ctx, from, rcpts, data)
	switch {
	case err == nil:
		return refused
	case errors.Is(err, smtpclient.ErrAllRecipientsRefused):
		relay.logger.InfoContext(ctx, "all recipients refused")
		return refused
	default:
		relay.logger.ErrorContext(ctx, "failed to deliver mail", slog.Any("error", err))
		code, msg := refusalCodeNone, refusalMessageNone
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			code, msg = smtpErr.Code, smtpErr.Message
		}
		all := make(types.Refusals, len(rcpts))
		for _, rcpt := range rcpts {
			all[rcpt] = types.Refusal{Code: code, Message: msg}
		}
		return all
	}
}

// insertPeerHeader adds "X-Peer: <host>" as the final header. The header
// block ends at the first line that is nothing but a terminator; the
// inserted line borrows that line's terminator, so the transaction's own
// conventions survive, mixed ones included. Without such a line the
// header goes after the last line, CRLF-terminated.
func insertPeerHeader(data []byte, host string) []byte {
	lines := lineend.Split(data)
	i := 0
	ending := []byte(lineend.CRLF)
	for _, line := range lines {
		if lineend.IsBlank(line) {
			ending = line
			break
		}
		i++
	}
	header := append([]byte("X-Peer: "+host), ending...)
	out := make([]byte, 0, len(data)+len(header))
	for _, line := range lines[:i] {
		out = append(out, line...)
	}
	out = append(out, header...)
	for _, line := range lines[i:] {
		out = append(out, line...)
	}
	return out
}
