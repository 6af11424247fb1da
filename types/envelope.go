package types

import "fmt"

// Content is message content as received after DATA, either the raw
// bytes or text decoded from them. Which of the two representations a
// server produces is fixed by its configuration, so handlers may rely
// on it being stable across transactions.
type Content interface {
	isContent()
}

// Bytes is content in raw wire form, dot-unstuffed but otherwise
// untouched.
type Bytes []byte

// Text is content decoded to a string.
type Text string

func (Bytes) isContent() {}
func (Text) isContent()  {}

// ContentBytes returns the bytes of c regardless of representation. It
// panics when c is nil: an envelope without content is a programming
// error, not a runtime condition.
func ContentBytes(c Content) []byte {
	switch c := c.(type) {
	case Bytes:
		return []byte(c)
	case Text:
		return []byte(c)
	default:
		panic(fmt.Sprintf("types: content must be Bytes or Text, got %T", c))
	}
}

// Address is an envelope address together with the ESMTP parameters it
// was received with, rendered back to keyword strings.
type Address struct {
	addr    string
	options []string
}

func NewAddress(addr string, options ...string) Address {
	return Address{
		addr:    addr,
		options: options,
	}
}

func (a Address) Addr() string {
	return a.addr
}

func (a Address) Options() []string {
	return a.options
}

// Envelope is one mail transaction: the sender, the accepted recipients
// in order, and the content.
type Envelope struct {
	mailFrom Address
	rcptTo   []Address
	content  Content
}

func NewEnvelope(mailFrom Address, rcptTo []Address, content Content) Envelope {
	return Envelope{
		mailFrom: mailFrom,
		rcptTo:   rcptTo,
		content:  content,
	}
}

func (e Envelope) MailFrom() Address {
	return e.mailFrom
}

func (e Envelope) RcptTo() []Address {
	return e.rcptTo
}

// Recipients returns the recipient addresses without their options.
func (e Envelope) Recipients() []string {
	addrs := make([]string, len(e.rcptTo))
	for i, r := range e.rcptTo {
		addrs[i] = r.addr
	}
	return addrs
}

func (e Envelope) Content() Content {
	return e.content
}
