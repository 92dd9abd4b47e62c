// Package brain defines the immutable intermediate representation of a
// pipeline as an ordered list of typed blocks, together with the
// registry that resolves brain identifiers for the runner, the
// scheduler, and the HTTP API.
package brain

import (
	"errors"
	"strings"
)

// Sentinel errors for IR resolution and validation.
var (
	// ErrUnknownBrain reports a Resolve of an unregistered identifier.
	ErrUnknownBrain = errors.New("unknown brain")
	// ErrIRInvalid reports a structurally invalid brain definition.
	ErrIRInvalid = errors.New("invalid brain definition")
	// ErrUnknownTool reports an agent tool call naming a tool that is
	// not part of the agent's tool set.
	ErrUnknownTool = errors.New("unknown tool")
)

// Brain is an immutable pipeline definition. Construct it once, pass it
// to a Registry, and never mutate it afterwards: blocks carry no state,
// and all per-execution data lives in the run.
type Brain struct {
	Title       string
	Description string
	Blocks      []Block
	Meta        Meta
}

// Meta carries optional brain-level defaults handed to every block.
type Meta struct {
	// Tools are shared across all agent blocks in addition to each
	// block's own tool set.
	Tools map[string]Tool
}

// Info is the listing shape for registered brains.
type Info struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Matches reports whether the brain matches a case-insensitive search
// query over its title and description.
func (i Info) Matches(q string) bool {
	q = strings.ToLower(q)
	return strings.Contains(strings.ToLower(i.Title), q) ||
		strings.Contains(strings.ToLower(i.Description), q)
}
