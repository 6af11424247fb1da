package smtpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/moriyoshi/mailplug/internal/logging"
	"github.com/moriyoshi/mailplug/types"
)

// ErrAllRecipientsRefused is returned by Send when the upstream refused
// every recipient. The refusal map returned alongside carries the
// per-recipient statuses.
var ErrAllRecipientsRefused = errors.New("all recipients refused")

// Client delivers messages to a fixed next-hop SMTP server. Each Send
// opens one connection and never retries.
type Client struct {
	host        string
	addr        string
	localName   string
	connTimeout time.Duration
	logger      *slog.Logger
	tlsConfig   *tls.Config
	implicitTLS bool
	starttls    bool
}

// Send delivers one message. The returned map holds recipients the
// upstream refused while the rest were accepted; ErrAllRecipientsRefused
// means no recipient was accepted and the map covers them all. Any other
// non-nil error voids the map: the delivery failed as a whole.
func (client *Client) Send(ctx context.Context, from string, recipients []string, data []byte) (types.Refusals, error) {
	logger := client.logger.With(slog.String("sender", from), slog.Any("recipients", recipients))

	conn, err := (&net.Dialer{
		Timeout: client.connTimeout,
	}).DialContext(ctx, "tcp", client.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", client.addr, err)
	}
	if client.implicitTLS {
		tlsConfig := client.tlsConfig.Clone()
		tlsConfig.ServerName = client.host
		conn = tls.Client(conn, tlsConfig)
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(client.localName); err != nil {
		return nil, err
	}
	if client.starttls && !client.implicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			logger.Debug("starttls")
			tlsConfig := client.tlsConfig.Clone()
			tlsConfig.ServerName = client.host
			if err := c.StartTLS(tlsConfig); err != nil {
				return nil, err
			}
		}
	}

	logger.Debug("mail from")
	if err := c.Mail(from, nil); err != nil {
		return nil, err
	}

	logger.Debug("rcpt to")
	refused := make(types.Refusals)
	accepted := 0
	for _, rcpt := range recipients {
		err := c.Rcpt(rcpt, nil)
		if err == nil {
			accepted++
			continue
		}
		var smtpErr *smtp.SMTPError
		if !errors.As(err, &smtpErr) {
			return nil, err
		}
		refused[rcpt] = types.Refusal{Code: smtpErr.Code, Message: smtpErr.Message}
	}
	if accepted == 0 {
		_ = c.Quit()
		return refused, ErrAllRecipientsRefused
	}

	logger.Debug("data")
	w, err := c.Data()
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	if err := c.Quit(); err != nil {
		return nil, err
	}
	return refused, nil
}

type ClientOptionFunc func(*Client) (*Client, error)

func WithTLSConfig(config *tls.Config) ClientOptionFunc {
	return func(client *Client) (*Client, error) {
		client.tlsConfig = config
		return client, nil
	}
}

func WithLogger(logger *slog.Logger) ClientOptionFunc {
	return func(client *Client) (*Client, error) {
		if logger == nil {
			logger = logging.Discard()
		}
		client.logger = logger
		return client, nil
	}
}

func WithLocalName(name string) ClientOptionFunc {
	return func(client *Client) (*Client, error) {
		client.localName = name
		return client, nil
	}
}

func WithConnTimeout(timeout time.Duration) ClientOptionFunc {
	return func(client *Client) (*Client, error) {
		client.connTimeout = timeout
		return client, nil
	}
}

func WithImplicitTLS(enabled bool) ClientOptionFunc {
	return func(client *Client) (*Client, error) {
		client.implicitTLS = enabled
		return client, nil
	}
}

// WithSTARTTLS controls opportunistic STARTTLS on plaintext connections.
// It is on by default and used whenever the upstream offers it.
func WithSTARTTLS(enabled bool) ClientOptionFunc {
	return func(client *Client) (*Client, error) {
		client.starttls = enabled
		return client, nil
	}
}

func New(host string, port int, options ...ClientOptionFunc) (*Client, error) {
	client := &Client{
		host:        host,
		addr:        net.JoinHostPort(host, strconv.Itoa(port)),
		localName:   "localhost",
		connTimeout: 5 * time.Second,
		logger:      logging.Discard(),
		tlsConfig:   &tls.Config{},
		starttls:    true,
	}
	for _, option := range options {
		var err error
		client, err = option(client)
		if err != nil {
			return nil, err
		}
	}
	return client, nil
}
