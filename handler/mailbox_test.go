package handler

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/emersion/go-message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moriyoshi/mailplug/types"
)

func TestMailbox(t *testing.T) {
	mb, err := NewMailbox(t.TempDir())
	require.NoError(t, err)

	for _, subject := range []string{"one", "two", "three"} {
		err := mb.HandleData(context.Background(), testSession(),
			testEnvelope(types.Bytes("Subject: "+subject+"\r\n\r\nbody\r\n")))
		require.NoError(t, err)
	}

	keys, err := mb.Store().Keys()
	require.NoError(t, err)
	require.Len(t, keys, 3)

	r, err := mb.Store().Open(keys[0])
	require.NoError(t, err)
	defer r.Close()
	msg, err := message.Read(r)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2500", msg.Header.Get("X-Peer"))
	assert.Equal(t, "a@example.com", msg.Header.Get("X-MailFrom"))
	assert.Equal(t, "b@example.com, c@example.com", msg.Header.Get("X-RcptTo"))
	body, err := io.ReadAll(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, "body\r\n", string(body))
}

func TestMailboxReset(t *testing.T) {
	mb, err := NewMailbox(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		err := mb.HandleData(context.Background(), testSession(),
			testEnvelope(types.Bytes("Subject: hi\r\n\r\nbody\r\n")))
		require.NoError(t, err)
	}
	keys, err := mb.Store().Keys()
	require.NoError(t, err)
	require.Len(t, keys, 2)

	require.NoError(t, mb.Reset())
	keys, err = mb.Store().Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	err = mb.HandleData(context.Background(), testSession(),
		testEnvelope(types.Bytes("Subject: later\r\n\r\nbody\r\n")))
	require.NoError(t, err)
	keys, err = mb.Store().Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestMailboxBadDirectory(t *testing.T) {
	// construction must fail eagerly when the path cannot become a maildir
	occupied := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(occupied, []byte("not a directory"), 0o600))
	_, err := NewMailbox(occupied)
	assert.Error(t, err)
}
