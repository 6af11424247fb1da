package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/moriyoshi/mailplug/internal/lineend"
	"github.com/moriyoshi/mailplug/types"
)

// Debugging dumps every completed transaction to a stream in a fixed,
// eyeball-friendly layout. Each transaction renders into one buffer and
// goes out in a single Write, so dumps from concurrent connections do
// not interleave.
type Debugging struct {
	stream io.Writer
}

var (
	_ types.Handler     = (*Debugging)(nil)
	_ types.DataHandler = (*Debugging)(nil)
)

// NewDebugging dumps transactions to stream, os.Stdout when nil.
func NewDebugging(stream io.Writer) *Debugging {
	if stream == nil {
		stream = os.Stdout
	}
	return &Debugging{stream: stream}
}

func (*Debugging) Name() string { return "debugging" }

func (d *Debugging) HandleData(_ context.Context, sess types.Session, env types.Envelope) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "---------- MESSAGE FOLLOWS ----------")
	separate := false
	if options := env.MailFrom().Options(); len(options) > 0 {
		fmt.Fprintf(&buf, "mail options: %v\n", options)
		separate = true
	}
	for _, rcpt := range env.RcptTo() {
		if options := rcpt.Options(); len(options) > 0 {
			fmt.Fprintf(&buf, "rcpt options: %v\n", options)
			separate = true
		}
	}
	if separate {
		fmt.Fprintln(&buf)
	}
	printContent(&buf, sess.Peer, env.Content())
	fmt.Fprintln(&buf, "------------ END MESSAGE ------------")
	_, err := d.stream.Write(buf.Bytes())
	return err
}

// printContent dumps the content line by line with terminators stripped
// and a synthetic X-Peer line right before the blank line that ends the
// header block. Raw bytes are decoded to UTF-8 leniently; the content
// itself stays untouched.
func printContent(buf *bytes.Buffer, peer types.Peer, content types.Content) {
	inHeaders := true
	for _, line := range lineend.Split(types.ContentBytes(content)) {
		line = lineend.TrimTerminator(line)
		if inHeaders && len(line) == 0 {
			fmt.Fprintf(buf, "X-Peer: %q\n", peer)
			inHeaders = false
		}
		buf.Write(bytes.ToValidUTF8(line, []byte("�")))
		buf.WriteByte('\n')
	}
}
