package mailplug

import (
	"io"
	"log/slog"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/moriyoshi/mailplug/types"
)

type backend struct {
	server *Server
}

func (b *backend) NewSession(conn *smtp.Conn) (smtp.Session, error) {
	id := uuid.NewString()
	b.server.metrics.sessions.Inc()
	logger := b.server.logger.With(
		slog.String("session", id),
		slog.String("origin", conn.Conn().RemoteAddr().String()),
	)
	logger.Debug("session opened")
	return &session{server: b.server, conn: conn, logger: logger, id: id}, nil
}

// session accumulates one transaction. The handler never sees it; it
// sees the types.Session and types.Envelope snapshots taken per event.
type session struct {
	server *Server
	conn   *smtp.Conn
	logger *slog.Logger
	id     string
	from   types.Address
	rcpts  []types.Address
	active bool
}

// info snapshots the connection state. Taken per event rather than once:
// the HELO name and the TLS bit may change underneath an open connection.
func (s *session) info() types.Session {
	_, tlsOn := s.conn.TLSConnectionState()
	return types.Session{
		ID:       s.id,
		Peer:     types.PeerFromAddr(s.conn.Conn().RemoteAddr()),
		HeloName: s.conn.Hostname(),
		TLS:      tlsOn,
	}
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	ctx := s.server.baseCtx
	logger := s.logger.With(slog.String("from", from))
	if err := s.server.checkSPF(ctx, logger, s.conn, from); err != nil {
		logger.ErrorContext(ctx, "failed to handle sender", slog.Any("error", err))
		return err
	}
	addr := types.NewAddress(from, renderMailOptions(opts)...)
	if hook := s.server.hooks.Mail; hook != nil {
		if err := hook(ctx, s.info(), addr); err != nil {
			logger.ErrorContext(ctx, "failed to handle sender", slog.Any("error", err))
			return err
		}
	}
	s.from = addr
	s.rcpts = nil
	s.active = true
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	ctx := s.server.baseCtx
	addr := types.NewAddress(to, renderRcptOptions(opts)...)
	if hook := s.server.hooks.Rcpt; hook != nil {
		env := types.NewEnvelope(s.from, s.rcpts, nil)
		if err := hook(ctx, s.info(), env, addr); err != nil {
			s.logger.ErrorContext(ctx, "failed to handle recipient",
				slog.String("from", s.from.Addr()), slog.String("to", to), slog.Any("error", err))
			return err
		}
	}
	s.rcpts = append(s.rcpts, addr)
	return nil
}

func (s *session) Data(r io.Reader) error {
	ctx := s.server.baseCtx
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	logger := s.logger.With(
		slog.String("from", s.from.Addr()),
		slog.Any("to", addressList(s.rcpts)),
		slog.Int("size", len(data)),
	)
	if err := s.server.verifyDKIMSignatures(ctx, data); err != nil {
		logger.ErrorContext(ctx, "failed to handle mail", slog.Any("error", err))
		s.server.metrics.transactions.WithLabelValues("rejected").Inc()
		return err
	}
	var content types.Content
	if s.server.decode {
		content = types.Text(data)
	} else {
		content = types.Bytes(data)
	}
	env := types.NewEnvelope(s.from, s.rcpts, content)
	if hook := s.server.hooks.Data; hook != nil {
		if err := hook(ctx, s.info(), env); err != nil {
			logger.ErrorContext(ctx, "failed to handle mail", slog.Any("error", err))
			s.server.metrics.transactions.WithLabelValues("rejected").Inc()
			return err
		}
	}
	s.active = false
	s.server.metrics.transactions.WithLabelValues("accepted").Inc()
	s.server.metrics.messageSize.Observe(float64(len(data)))
	return nil
}

// Reset fires the handler's reset capability only when a transaction is
// actually dropped; the protocol layer also resets after every completed
// transaction, which is not an event handlers care about.
func (s *session) Reset() {
	if !s.active {
		return
	}
	s.active = false
	s.from = types.Address{}
	s.rcpts = nil
	if hook := s.server.hooks.Reset; hook != nil {
		ctx := s.server.baseCtx
		if err := hook(ctx, s.info()); err != nil {
			s.logger.ErrorContext(ctx, "failed to handle reset", slog.Any("error", err))
		}
	}
}

func (s *session) Logout() error {
	s.Reset()
	s.logger.Debug("session closed")
	return nil
}

func addressList(addrs []types.Address) []string {
	list := make([]string, len(addrs))
	for i, a := range addrs {
		list[i] = a.Addr()
	}
	return list
}
