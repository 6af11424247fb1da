package mailplug

import (
	"fmt"
	"strings"

	"github.com/emersion/go-smtp"
)

// The protocol layer hands over parsed MAIL and RCPT parameters;
// handlers get them back as the keyword strings of RFC 1869 and friends,
// in canonical order.

func renderMailOptions(opts *smtp.MailOptions) []string {
	if opts == nil {
		return nil
	}
	var rendered []string
	if opts.Size > 0 {
		rendered = append(rendered, fmt.Sprintf("SIZE=%d", opts.Size))
	}
	if opts.Body != "" {
		rendered = append(rendered, "BODY="+string(opts.Body))
	}
	if opts.UTF8 {
		rendered = append(rendered, "SMTPUTF8")
	}
	if opts.RequireTLS {
		rendered = append(rendered, "REQUIRETLS")
	}
	if opts.Return != "" {
		rendered = append(rendered, "RET="+string(opts.Return))
	}
	if opts.EnvelopeID != "" {
		rendered = append(rendered, "ENVID="+opts.EnvelopeID)
	}
	if opts.Auth != nil {
		auth := *opts.Auth
		if auth == "" {
			auth = "<>"
		}
		rendered = append(rendered, "AUTH="+auth)
	}
	return rendered
}

func renderRcptOptions(opts *smtp.RcptOptions) []string {
	if opts == nil {
		return nil
	}
	var rendered []string
	if len(opts.Notify) > 0 {
		values := make([]string, len(opts.Notify))
		for i, n := range opts.Notify {
			values[i] = string(n)
		}
		rendered = append(rendered, "NOTIFY="+strings.Join(values, ","))
	}
	if opts.OriginalRecipient != "" {
		rendered = append(rendered, fmt.Sprintf("ORCPT=%s;%s", opts.OriginalRecipientType, opts.OriginalRecipient))
	}
	return rendered
}
