package types

// Refusal is the SMTP status a recipient was refused with.
type Refusal struct {
	Code    int
	Message string
}

// Refusals maps refused recipient addresses to their statuses. An empty
// map means every recipient was accepted.
type Refusals map[string]Refusal
