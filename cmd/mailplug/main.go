package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	_ "github.com/emersion/go-message/charset"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	mailplug "github.com/moriyoshi/mailplug"
	"github.com/moriyoshi/mailplug/config"
	"github.com/moriyoshi/mailplug/handler"
	"github.com/moriyoshi/mailplug/smtpclient"
	"github.com/moriyoshi/mailplug/types"
)

func loadServerCertificate(certFile string, keyFile string, passphrase string) (*tls.Config, error) {
	var certPEMBlock, keyPEMBlock *pem.Block

	{
		b, err := os.ReadFile(certFile)
		if err != nil {
			return nil, err
		}
		for {
			var block *pem.Block
			block, b = pem.Decode(b)
			if block == nil {
				break
			}
			if block.Type == "CERTIFICATE" {
				certPEMBlock = block
			}
			if strings.HasSuffix(block.Type, "PRIVATE KEY") {
				keyPEMBlock = block
			}
		}
	}
	if certPEMBlock == nil {
		return nil, fmt.Errorf("no certificate found in %s", certFile)
	}
	if keyFile != "" {
		b, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, err
		}
		keyPEMBlock, _ = pem.Decode(b)
		if keyPEMBlock == nil || !strings.HasSuffix(keyPEMBlock.Type, "PRIVATE KEY") {
			return nil, fmt.Errorf("no private key found in %s", keyFile)
		}
	} else if keyPEMBlock == nil {
		return nil, fmt.Errorf("no key found in %s and no key file is specified", certFile)
	}

	if passphrase != "" {
		b, err := x509.DecryptPEMBlock(keyPEMBlock, []byte(passphrase))
		if err != nil {
			return nil, err
		}
		keyPEMBlock.Bytes = b
	}
	cert, err := tls.X509KeyPair(pem.EncodeToMemory(certPEMBlock), pem.EncodeToMemory(keyPEMBlock))
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
	}, nil
}

func loadCABundle(certBundle string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	b, err := os.ReadFile(certBundle)
	if err != nil {
		return nil, err
	}
	if !pool.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("failed to load CA bundle from %s", certBundle)
	}
	return pool, nil
}

type CLI struct {
	Config                string        `name:"config" help:"Path to the configuration file. When given, it replaces all other options." env:"MAILPLUG_CONFIG" optional:""`
	Bind                  string        `name:"bind" help:"Address and port to listen on." env:"MAILPLUG_BIND" default:"[::0]:8025"`
	BindImplicitTLS       string        `name:"bind-implicit-tls" help:"Address and port to listen on, for implicit TLS." env:"MAILPLUG_BIND_IMPLICIT_TLS" optional:""`
	Handler               string        `name:"handler" help:"Event handler to serve." env:"MAILPLUG_HANDLER" default:"debugging" enum:"sink,debugging,relay,mailbox"`
	DebugStream           string        `name:"debug-stream" help:"Stream the debugging handler prints to." env:"MAILPLUG_DEBUG_STREAM" default:"stdout" enum:"stdout,stderr"`
	RelayHost             string        `name:"relay-host" help:"Host the relay handler forwards to." env:"MAILPLUG_RELAY_HOST" optional:""`
	RelayPort             int           `name:"relay-port" help:"Port the relay handler forwards to." env:"MAILPLUG_RELAY_PORT" default:"25"`
	RelayImplicitTLS      bool          `name:"relay-implicit-tls" help:"Use implicit TLS toward the relay host." env:"MAILPLUG_RELAY_IMPLICIT_TLS" default:"false"`
	RelayDisableStartTLS  bool          `name:"relay-disable-starttls" help:"Do not negotiate STARTTLS toward the relay host." env:"MAILPLUG_RELAY_DISABLE_STARTTLS" default:"false"`
	RelayLocalName        string        `name:"relay-local-name" help:"HELO name used toward the relay host." env:"MAILPLUG_RELAY_LOCAL_NAME" optional:""`
	Maildir               string        `name:"maildir" help:"Maildir the mailbox handler delivers into." env:"MAILPLUG_MAILDIR" optional:""`
	DecodeData            bool          `name:"decode-data" help:"Hand message content to the handler as text." env:"MAILPLUG_DECODE_DATA" default:"false"`
	Hostname              string        `name:"hostname" help:"Host name to be used in the SMTP banner." env:"MAILPLUG_HOSTNAME" optional:""`
	Certificate           string        `name:"certificate" help:"Path to the certificate file." env:"MAILPLUG_CERTIFICATE" optional:""`
	PrivateKey            string        `name:"private-key" help:"Path to the private key file." env:"MAILPLUG_PRIVATE_KEY" optional:""`
	Passphrase            string        `name:"passphrase" help:"Passphrase for the private key file." env:"MAILPLUG_PASSPHRASE" optional:""`
	CABundle              string        `name:"ca-bundle" help:"Path to the CA bundle file for the SMTP client." env:"MAILPLUG_CA_BUNDLE" optional:""`
	VerifySpf             bool          `name:"verify-spf" help:"Verify SPF records of inbound senders." env:"MAILPLUG_VERIFY_SPF" default:"false"`
	VerifyDKIM            bool          `name:"verify-dkim" help:"Verify DKIM signatures of inbound messages." env:"MAILPLUG_VERIFY_DKIM" default:"false"`
	SMTPConnectionTimeout time.Duration `name:"smtp-connection-timeout" help:"Connection timeout for outbound SMTP connections." env:"MAILPLUG_SMTP_CONNECTION_TIMEOUT" default:"60s"`
	MaxMessageSize        int64         `name:"max-message-size" help:"Largest message content accepted, in bytes. Zero means unlimited." env:"MAILPLUG_MAX_MESSAGE_SIZE" default:"0"`
	MaxRecipients         int           `name:"max-recipients" help:"Largest number of recipients per transaction. Zero means unlimited." env:"MAILPLUG_MAX_RECIPIENTS" default:"0"`
	MetricsBind           string        `name:"metrics-bind" help:"Address and port the metrics endpoint listens on." env:"MAILPLUG_METRICS_BIND" optional:""`
	LogLevel              slog.Level    `name:"log-level" help:"Log level." env:"MAILPLUG_LOG_LEVEL" default:"INFO" enum:"DEBUG,INFO,WARN,ERROR"`
}

func (CLI *CLI) toConfig() config.Config {
	cfg := config.Default()
	cfg.Bind = CLI.Bind
	cfg.BindImplicitTLS = CLI.BindImplicitTLS
	cfg.Hostname = CLI.Hostname
	cfg.LogLevel = CLI.LogLevel.String()
	cfg.MetricsBind = CLI.MetricsBind
	cfg.VerifySPF = CLI.VerifySpf
	cfg.VerifyDKIM = CLI.VerifyDKIM
	cfg.DecodeData = CLI.DecodeData
	cfg.MaxMessageSize = CLI.MaxMessageSize
	cfg.MaxRecipients = CLI.MaxRecipients
	cfg.TLS = config.TLSConfig{
		Certificate: CLI.Certificate,
		PrivateKey:  CLI.PrivateKey,
		Passphrase:  CLI.Passphrase,
	}
	cfg.CABundle = CLI.CABundle
	cfg.Handler.Name = CLI.Handler
	cfg.Handler.Debugging.Stream = CLI.DebugStream
	cfg.Handler.Relay.Host = CLI.RelayHost
	cfg.Handler.Relay.Port = CLI.RelayPort
	cfg.Handler.Relay.ImplicitTLS = CLI.RelayImplicitTLS
	cfg.Handler.Relay.DisableSTARTTLS = CLI.RelayDisableStartTLS
	cfg.Handler.Relay.LocalName = CLI.RelayLocalName
	cfg.Handler.Relay.ConnectionTimeout = config.Duration(CLI.SMTPConnectionTimeout)
	cfg.Handler.Mailbox.Dir = CLI.Maildir
	return cfg
}

func (CLI *CLI) resolveConfig(kongCtx *kong.Context) *config.Config {
	if CLI.Config != "" {
		cfg, err := config.Load(CLI.Config)
		if err != nil {
			kongCtx.FatalIfErrorf(err)
		}
		return cfg
	}
	cfg := CLI.toConfig()
	if err := cfg.Validate(); err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	return &cfg
}

func initLogger(kongCtx *kong.Context, cfg *config.Config) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) {
		handler = tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func initClientTLSConfig(kongCtx *kong.Context, logger *slog.Logger, cfg *config.Config) *tls.Config {
	clientTLSConfig := new(tls.Config)
	if cfg.CABundle != "" {
		logger.Info("loading CA bundle", slog.String("path", cfg.CABundle))
		caPool, err := loadCABundle(cfg.CABundle)
		if err != nil {
			kongCtx.FatalIfErrorf(err)
		}
		clientTLSConfig.RootCAs = caPool
	}
	return clientTLSConfig
}

func initHandler(kongCtx *kong.Context, logger *slog.Logger, cfg *config.Config, clientTLSConfig *tls.Config) types.Handler {
	switch cfg.Handler.Name {
	case config.HandlerSink:
		return handler.Sink{}
	case config.HandlerDebugging:
		stream := os.Stdout
		if cfg.Handler.Debugging.Stream == "stderr" {
			stream = os.Stderr
		}
		return handler.NewDebugging(stream)
	case config.HandlerRelay:
		rc := cfg.Handler.Relay
		clientOptions := []smtpclient.ClientOptionFunc{
			smtpclient.WithTLSConfig(clientTLSConfig),
			smtpclient.WithConnTimeout(time.Duration(rc.ConnectionTimeout)),
			smtpclient.WithImplicitTLS(rc.ImplicitTLS),
			smtpclient.WithSTARTTLS(!rc.DisableSTARTTLS),
		}
		localName := rc.LocalName
		if localName == "" {
			localName = cfg.Hostname
		}
		if localName != "" {
			clientOptions = append(clientOptions, smtpclient.WithLocalName(localName))
		}
		relay, err := handler.NewRelay(
			rc.Host,
			rc.Port,
			handler.WithRelayLogger(logger),
			handler.WithClientOptions(clientOptions...),
		)
		if err != nil {
			kongCtx.FatalIfErrorf(err)
		}
		return relay
	case config.HandlerMailbox:
		mailbox, err := handler.NewMailbox(cfg.Handler.Mailbox.Dir)
		if err != nil {
			kongCtx.FatalIfErrorf(err)
		}
		return mailbox
	}
	kongCtx.Fatalf("unknown handler %q", cfg.Handler.Name)
	return nil
}

func initServer(kongCtx *kong.Context, logger *slog.Logger, cfg *config.Config, h types.Handler) *mailplug.Server {
	options := []mailplug.OptionFunc{
		mailplug.WithLogger(logger),
		mailplug.WithSPFVerification(cfg.VerifySPF),
		mailplug.WithDKIMVerification(cfg.VerifyDKIM),
		mailplug.WithDecodedContent(cfg.DecodeData),
	}
	if cfg.Hostname != "" {
		options = append(options, mailplug.WithHostname(cfg.Hostname))
	}
	if cfg.MaxMessageSize > 0 {
		options = append(options, mailplug.WithMaxMessageBytes(cfg.MaxMessageSize))
	}
	if cfg.MaxRecipients > 0 {
		options = append(options, mailplug.WithMaxRecipients(cfg.MaxRecipients))
	}
	if cfg.TLS.Certificate != "" {
		serverTLSConfig, err := loadServerCertificate(cfg.TLS.Certificate, cfg.TLS.PrivateKey, cfg.TLS.Passphrase)
		if err != nil {
			kongCtx.FatalIfErrorf(err)
		}
		options = append(options, mailplug.WithTLSConfig(serverTLSConfig))
	}
	server, err := mailplug.NewServer(cfg.Bind, cfg.BindImplicitTLS, h, options...)
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
	return server
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()
	var CLI CLI
	kongCtx := kong.Parse(&CLI)
	cfg := CLI.resolveConfig(kongCtx)
	logger := initLogger(kongCtx, cfg)
	clientTLSConfig := initClientTLSConfig(kongCtx, logger, cfg)
	h := initHandler(kongCtx, logger, cfg, clientTLSConfig)
	server := initServer(kongCtx, logger, cfg, h)
	if cfg.MetricsBind != "" {
		go func() {
			if err := server.ListenMetrics(ctx, cfg.MetricsBind); err != nil {
				logger.Error("metrics endpoint failed", slog.Any("error", err))
			}
		}()
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT)
	go func() {
		count := 0
	outer:
		for {
			select {
			case <-ctx.Done():
				break outer
			case <-sigChan:
				count += 1
				if count == 1 {
					kongCtx.Printf("Received SIGINT, shutting down...")
					err := server.Shutdown(ctx)
					if err != nil {
						kongCtx.FatalIfErrorf(err)
					}
				} else {
					kongCtx.Printf("Received SIGINT again, forcing shutdown...")
					cancel()
				}
			}
		}
	}()
	err := server.Serve(ctx)
	if err != nil {
		kongCtx.FatalIfErrorf(err)
	}
}
