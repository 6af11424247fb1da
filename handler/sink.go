// Package handler ships the stock transaction handlers: a sink that
// discards everything, a debugging printer, a relay to a fixed upstream,
// and a pipeline that parses content into a structured message, with a
// maildir-backed terminal step.
package handler

import "github.com/moriyoshi/mailplug/types"

// Sink accepts and discards every transaction. It declares no
// capabilities, so the serving defaults apply to every event.
type Sink struct{}

var _ types.Handler = Sink{}

func (Sink) Name() string { return "sink" }
