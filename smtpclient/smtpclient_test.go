package smtpclient

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moriyoshi/mailplug/internal/smtptest"
	"github.com/moriyoshi/mailplug/types"
)

func newTestClient(t *testing.T, be *smtptest.Backend, options ...ClientOptionFunc) *Client {
	t.Helper()
	host, portStr, err := net.SplitHostPort(smtptest.Server(t, be))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	client, err := New(host, port, options...)
	require.NoError(t, err)
	return client
}

func TestSend(t *testing.T) {
	be := &smtptest.Backend{}
	client := newTestClient(t, be)

	refused, err := client.Send(
		context.Background(),
		"a@example.com",
		[]string{"b@example.com", "c@example.com"},
		[]byte("Subject: hi\r\n\r\nbody\r\n"),
	)
	require.NoError(t, err)
	assert.Empty(t, refused)

	msgs := be.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "a@example.com", msgs[0].From)
	assert.Equal(t, []string{"b@example.com", "c@example.com"}, msgs[0].Rcpt)
	assert.Equal(t, "Subject: hi\r\n\r\nbody\r\n", string(msgs[0].Data))
}

func TestSendPartialRefusal(t *testing.T) {
	be := &smtptest.Backend{
		RcptErr: map[string]error{
			"c@example.com": &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "User unknown"},
		},
	}
	client := newTestClient(t, be)

	refused, err := client.Send(
		context.Background(),
		"a@example.com",
		[]string{"b@example.com", "c@example.com"},
		[]byte("body\r\n"),
	)
	require.NoError(t, err)
	assert.Equal(t, types.Refusals{
		"c@example.com": {Code: 550, Message: "User unknown"},
	}, refused)

	msgs := be.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"b@example.com"}, msgs[0].Rcpt)
}

func TestSendAllRefused(t *testing.T) {
	be := &smtptest.Backend{
		RcptErr: map[string]error{
			"b@example.com": &smtp.SMTPError{Code: 550, Message: "no"},
			"c@example.com": &smtp.SMTPError{Code: 553, Message: "really no"},
		},
	}
	client := newTestClient(t, be)

	refused, err := client.Send(
		context.Background(),
		"a@example.com",
		[]string{"b@example.com", "c@example.com"},
		[]byte("body\r\n"),
	)
	assert.ErrorIs(t, err, ErrAllRecipientsRefused)
	assert.Equal(t, types.Refusals{
		"b@example.com": {Code: 550, Message: "no"},
		"c@example.com": {Code: 553, Message: "really no"},
	}, refused)
	assert.Empty(t, be.Messages())
}

func TestSendSenderRefused(t *testing.T) {
	be := &smtptest.Backend{
		MailErr: &smtp.SMTPError{Code: 451, Message: "try again later"},
	}
	client := newTestClient(t, be)

	refused, err := client.Send(context.Background(), "a@example.com", []string{"b@example.com"}, []byte("body\r\n"))
	assert.Nil(t, refused)
	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 451, smtpErr.Code)
}

func TestSendConnectFailure(t *testing.T) {
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	client, err := New(host, port)
	require.NoError(t, err)
	refused, err := client.Send(context.Background(), "a@example.com", []string{"b@example.com"}, []byte("body\r\n"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrAllRecipientsRefused)
	assert.Nil(t, refused)
}
