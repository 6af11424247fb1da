// Package config loads the YAML configuration file. Values may reference
// environment variables as ${env.NAME}; references are expanded before the
// document is parsed.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/moriyoshi/mailplug/internal/expand"
)

const (
	HandlerSink      = "sink"
	HandlerDebugging = "debugging"
	HandlerRelay     = "relay"
	HandlerMailbox   = "mailbox"
)

type Config struct {
	Bind            string        `yaml:"bind"`
	BindImplicitTLS string        `yaml:"bind_implicit_tls"`
	Hostname        string        `yaml:"hostname"`
	LogLevel        string        `yaml:"log_level"`
	MetricsBind     string        `yaml:"metrics_bind"`
	VerifySPF       bool          `yaml:"verify_spf"`
	VerifyDKIM      bool          `yaml:"verify_dkim"`
	DecodeData      bool          `yaml:"decode_data"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	MaxRecipients   int           `yaml:"max_recipients"`
	TLS             TLSConfig     `yaml:"tls"`
	CABundle        string        `yaml:"ca_bundle"`
	Handler         HandlerConfig `yaml:"handler"`
}

type TLSConfig struct {
	Certificate string `yaml:"certificate"`
	PrivateKey  string `yaml:"private_key"`
	Passphrase  string `yaml:"passphrase"`
}

type HandlerConfig struct {
	Name      string          `yaml:"name"`
	Debugging DebuggingConfig `yaml:"debugging"`
	Relay     RelayConfig     `yaml:"relay"`
	Mailbox   MailboxConfig   `yaml:"mailbox"`
}

type DebuggingConfig struct {
	Stream string `yaml:"stream"`
}

type RelayConfig struct {
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	ImplicitTLS       bool     `yaml:"implicit_tls"`
	DisableSTARTTLS   bool     `yaml:"disable_starttls"`
	LocalName         string   `yaml:"local_name"`
	ConnectionTimeout Duration `yaml:"connection_timeout"`
}

type MailboxConfig struct {
	Dir string `yaml:"dir"`
}

// Duration parses time.ParseDuration strings such as "60s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func Default() Config {
	return Config{
		Bind:     "[::0]:8025",
		LogLevel: "INFO",
		Handler: HandlerConfig{
			Name: HandlerDebugging,
			Debugging: DebuggingConfig{
				Stream: "stdout",
			},
			Relay: RelayConfig{
				Port:              25,
				ConnectionTimeout: Duration(60 * time.Second),
			},
		},
	}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	cfg := Default()
	expanded := expand.Expand(string(b), expand.Env)
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Bind == "" && c.BindImplicitTLS == "" {
		return errors.New("no bind address configured")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.Handler.Name {
	case HandlerSink, HandlerDebugging:
	case HandlerRelay:
		if c.Handler.Relay.Host == "" {
			return errors.New("relay handler requires a host")
		}
	case HandlerMailbox:
		if c.Handler.Mailbox.Dir == "" {
			return errors.New("mailbox handler requires a directory")
		}
	default:
		return fmt.Errorf("unknown handler %q", c.Handler.Name)
	}
	switch c.Handler.Debugging.Stream {
	case "", "stdout", "stderr":
	default:
		return fmt.Errorf("unknown debugging stream %q", c.Handler.Debugging.Stream)
	}
	if c.TLS.PrivateKey != "" && c.TLS.Certificate == "" {
		return errors.New("tls private key configured without a certificate")
	}
	return nil
}

// Level parses the configured log level; slog accepts names such as
// "INFO" as well as offset forms such as "INFO+2".
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
