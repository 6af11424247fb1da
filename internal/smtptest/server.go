// Package smtptest provides a scriptable SMTP server for tests.
package smtptest

import (
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
)

// Backend is a go-smtp backend with per-command error injection. Errors
// of type *smtp.SMTPError reach clients verbatim. Accepted messages are
// recorded.
type Backend struct {
	MailErr error
	RcptErr map[string]error
	DataErr error

	mu       sync.Mutex
	messages []*Message
}

type Message struct {
	From string
	Rcpt []string
	Data []byte
}

func (be *Backend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &session{be: be}, nil
}

func (be *Backend) Messages() []*Message {
	be.mu.Lock()
	defer be.mu.Unlock()
	return append([]*Message(nil), be.messages...)
}

func (be *Backend) record(msg *Message) {
	be.mu.Lock()
	defer be.mu.Unlock()
	be.messages = append(be.messages, msg)
}

type session struct {
	be   *Backend
	from string
	rcpt []string
}

func (s *session) Reset() {
	s.from = ""
	s.rcpt = nil
}

func (s *session) Logout() error {
	return nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.be.MailErr != nil {
		return s.be.MailErr
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if err := s.be.RcptErr[to]; err != nil {
		return err
	}
	s.rcpt = append(s.rcpt, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	if s.be.DataErr != nil {
		return s.be.DataErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.be.record(&Message{From: s.from, Rcpt: s.rcpt, Data: b})
	return nil
}

// Server runs be on localhost:0 and returns the bound address. The
// server is torn down with the test.
func Server(t *testing.T, be smtp.Backend) string {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	s := smtp.NewServer(be)
	s.Domain = "upstream.test"
	go s.Serve(l)
	t.Cleanup(func() {
		s.Close()
	})
	return l.Addr().String()
}
