package mailplug

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/emersion/go-smtp"
	"golang.org/x/sync/errgroup"

	"github.com/moriyoshi/mailplug/internal/logging"
	"github.com/moriyoshi/mailplug/types"
)

const appName = "mailplug"

type serverListenerPair struct {
	s         *smtp.Server
	implicit  bool
	readyChan chan *serverListenerPair
	l         net.Listener
}

func (pair *serverListenerPair) Valid() bool {
	return pair.s != nil
}

func (pair *serverListenerPair) Ready() <-chan *serverListenerPair {
	return pair.readyChan
}

func (pair *serverListenerPair) setListener(l net.Listener) {
	pair.l = l
	pair.readyChan <- pair
}

func newServerListenerPair(s *smtp.Server, implicit bool) serverListenerPair {
	// buffered so an early cancellation does not strand listenAndServe
	return serverListenerPair{s: s, implicit: implicit, readyChan: make(chan *serverListenerPair, 1)}
}

// Server accepts SMTP transactions and feeds them to a Handler. The
// protocol dialogue itself is go-smtp's business; this layer assembles
// Session and Envelope values, consults the handler's capability table
// at each event and applies the default (accept and move on) where the
// handler declares nothing.
type Server struct {
	addr            string
	implicitAddr    string
	hostname        string
	resolver        spf.DNSResolver
	verifySPF       bool
	verifyDKIM      bool
	decode          bool
	maxMessageBytes int64
	maxRecipients   int
	tlsConfig       *tls.Config
	logger          *slog.Logger
	handler         types.Handler
	hooks           types.Hooks
	metrics         *metrics
	server          serverListenerPair
	serverImplicit  serverListenerPair
	baseCtx         context.Context
	readyChan       chan struct{}
}

type OptionFunc func(s *Server) error

func WithHostname(hostname string) OptionFunc {
	return func(s *Server) error {
		s.hostname = hostname
		return nil
	}
}

func WithTLSConfig(tlsConfig *tls.Config) OptionFunc {
	return func(s *Server) error {
		s.tlsConfig = tlsConfig
		return nil
	}
}

func WithResolver(r spf.DNSResolver) OptionFunc {
	return func(s *Server) error {
		s.resolver = r
		return nil
	}
}

func WithSPFVerification(enabled bool) OptionFunc {
	return func(s *Server) error {
		s.verifySPF = enabled
		return nil
	}
}

func WithDKIMVerification(enabled bool) OptionFunc {
	return func(s *Server) error {
		s.verifyDKIM = enabled
		return nil
	}
}

// WithDecodedContent makes envelopes carry types.Text instead of
// types.Bytes. The choice holds for the server's whole lifetime.
func WithDecodedContent(enabled bool) OptionFunc {
	return func(s *Server) error {
		s.decode = enabled
		return nil
	}
}

func WithMaxMessageBytes(n int64) OptionFunc {
	return func(s *Server) error {
		s.maxMessageBytes = n
		return nil
	}
}

func WithMaxRecipients(n int) OptionFunc {
	return func(s *Server) error {
		s.maxRecipients = n
		return nil
	}
}

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

type errorLog struct {
	logger *slog.Logger
}

func (l errorLog) Printf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (l errorLog) Println(v ...interface{}) {
	l.logger.Error(fmt.Sprint(v...))
}

func (s *Server) newSMTPServerProto(addr string) *smtp.Server {
	srv := smtp.NewServer(&backend{server: s})
	srv.Addr = addr
	srv.Domain = s.hostname
	srv.TLSConfig = s.tlsConfig
	srv.ReadTimeout = 5 * time.Minute
	srv.WriteTimeout = 5 * time.Minute
	srv.MaxMessageBytes = s.maxMessageBytes
	srv.MaxRecipients = s.maxRecipients
	srv.EnableSMTPUTF8 = true
	srv.EnableDSN = true
	srv.ErrorLog = errorLog{s.logger}
	return srv
}

func NewServer(bind, bindImplicitTLS string, h types.Handler, options ...OptionFunc) (*Server, error) {
	if h == nil {
		return nil, errors.New("handler must not be nil")
	}
	s := &Server{
		addr:         bind,
		implicitAddr: bindImplicitTLS,
		hostname:     "",
		resolver:     &net.Resolver{},
		logger:       logging.Discard(),
		handler:      h,
		hooks:        types.HooksOf(h),
		metrics:      newMetrics(),
		baseCtx:      context.Background(),
		readyChan:    make(chan struct{}),
	}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}
	s.server = newServerListenerPair(s.newSMTPServerProto(s.addr), false)
	if s.implicitAddr != "" {
		s.serverImplicit = newServerListenerPair(s.newSMTPServerProto(s.implicitAddr), true)
	}
	return s, nil
}

func ipPart(addr net.Addr) net.IP {
	switch addr := addr.(type) {
	case *net.TCPAddr:
		return addr.IP
	case *net.UDPAddr:
		return addr.IP
	case *net.IPAddr:
		return addr.IP
	default:
		return nil
	}
}

func (s *Server) checkSPF(ctx context.Context, logger *slog.Logger, conn *smtp.Conn, from string) error {
	if !s.verifySPF {
		return nil
	}
	result, err := spf.CheckHostWithSender(
		ipPart(conn.Conn().RemoteAddr()),
		conn.Hostname(),
		from,
		spf.WithResolver(s.resolver),
		spf.WithContext(ctx),
		spf.WithTraceFunc(func(format string, args ...interface{}) {
			logger.Debug("spf trace", slog.String("text", fmt.Sprintf(format, args...)))
		}),
	)
	if err != nil {
		switch err {
		case spf.ErrMatchedAll, spf.ErrMatchedA, spf.ErrMatchedIP, spf.ErrMatchedMX, spf.ErrMatchedPTR, spf.ErrMatchedExists:
			break
		default:
			return fmt.Errorf("error occurred during verifying SPF record: %w", err)
		}
	}
	if result == spf.Fail {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 23},
			Message:      "SPF validation failed",
		}
	}
	return nil
}

func (s *Server) verifyDKIMSignatures(ctx context.Context, data []byte) error {
	if !s.verifyDKIM {
		return nil
	}
	results, err := dkim.VerifyWithOptions(
		bytes.NewReader(data),
		&dkim.VerifyOptions{
			LookupTXT: func(domain string) ([]string, error) {
				return s.resolver.LookupTXT(ctx, domain)
			},
		},
	)
	if err != nil {
		return fmt.Errorf("error occurred during DKIM verification: %w", err)
	}
	for _, v := range results {
		if v.Err != nil {
			return &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 7, 20},
				Message:      "DKIM verification failed",
			}
		}
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	eg, innerCtx := errgroup.WithContext(ctx)
	if s.server.Valid() {
		s.server.l.Close()
		eg.Go(func() error { return filterClosed(s.server.s.Shutdown(innerCtx)) })
	}
	if s.serverImplicit.Valid() {
		s.serverImplicit.l.Close()
		eg.Go(func() error { return filterClosed(s.serverImplicit.s.Shutdown(innerCtx)) })
	}
	return eg.Wait()
}

// filterClosed drops the errors that closing a listener out from under a
// serving loop provokes, so an orderly teardown does not read as a failure.
func filterClosed(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

type listenerWithContext struct {
	net.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

func (l *listenerWithContext) Close() error {
	err := l.Listener.Close()
	l.cancel()
	return err
}

func (l *listenerWithContext) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			l.cancel()
		}
	}
	return conn, err
}

func (l *listenerWithContext) Addr() net.Addr {
	return l.Listener.Addr()
}

func wrapListener(ctx context.Context, ln net.Listener) *listenerWithContext {
	ctx, cancel := context.WithCancel(ctx)
	inner := &listenerWithContext{
		Listener: ln,
		ctx:      ctx,
		cancel:   cancel,
	}
	go func() {
		<-ctx.Done()
		inner.Close()
	}()
	return inner
}

func (s *Server) listenAndServe(
	ctx context.Context,
	slp *serverListenerPair,
) error {
	if slp.s.Domain == "" {
		slp.s.Domain, _ = os.Hostname()
	}

	// The implicit pair listens for TLS connections only.
	ln, err := net.Listen("tcp", slp.s.Addr)
	if err != nil {
		return err
	}
	ln = wrapListener(ctx, ln)
	if s.tlsConfig != nil && slp.implicit {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	slp.setListener(ln)
	return slp.s.Serve(ln)
}

func (s *Server) Ready() <-chan struct{} {
	return s.readyChan
}

func (s *Server) Serve(ctx context.Context) error {
	eg, innerCtx := errgroup.WithContext(ctx)
	s.baseCtx = innerCtx
	s.logger.Info("serving", slog.String("handler", s.handler.Name()), slog.String("bind", s.addr))
	readyChans := make([]<-chan *serverListenerPair, 0, 2)
	if s.server.Valid() {
		go func() {
			<-innerCtx.Done()
			if l := s.server.l; l != nil {
				l.Close()
			}
		}()
		eg.Go(func() error {
			return filterClosed(s.listenAndServe(innerCtx, &s.server))
		})
		readyChans = append(readyChans, s.server.Ready())
	}
	if s.serverImplicit.Valid() {
		go func() {
			<-innerCtx.Done()
			if l := s.serverImplicit.l; l != nil {
				l.Close()
			}
		}()
		eg.Go(func() error {
			return filterClosed(s.listenAndServe(innerCtx, &s.serverImplicit))
		})
		readyChans = append(readyChans, s.serverImplicit.Ready())
	}
	readyServers := make([]*serverListenerPair, 0, 2)
outer:
	for _, readyChan := range readyChans {
		select {
		case <-innerCtx.Done():
			for _, slp := range readyServers {
				err := slp.l.Close()
				if err != nil {
					s.logger.Warn("failed to close listener", slog.Any("error", err))
				}
				// XXX: this may race with Serve()
				err = slp.s.Close()
				if err != nil {
					s.logger.Warn("failed to close server", slog.Any("error", err))
				}
			}
			break outer
		case slp := <-readyChan:
			readyServers = append(readyServers, slp)
		}
	}
	close(s.readyChan)
	return eg.Wait()
}
