// Package gate decides whether a user command may be forwarded to the
// server. The server processes one command at a time per session, so
// everything except a trial-start command is held back while the
// document reports processing.
package gate

import (
	"strings"

	"ten-dreams/client/internal/state"
)

// Default trial-start commands recognized by the backend. Starting a
// trial is exempt from the is_processing gate: the flag may be stale
// leftover from the previous trial and would otherwise lock the player
// out of beginning a new one.
var DefaultStartCommands = []string{
	"开始试炼",
	"开启下一次试炼",
	"开始第一次试炼",
}

// Decision explains what happened to a submitted command.
type Decision int

const (
	DecisionDropEmpty Decision = iota
	DecisionDropProcessing
	DecisionForward
)

func (d Decision) String() string {
	switch d {
	case DecisionDropEmpty:
		return "drop_empty"
	case DecisionDropProcessing:
		return "drop_processing"
	case DecisionForward:
		return "forward"
	default:
		return "unknown"
	}
}

type Gate struct {
	startCommands map[string]struct{}
}

// New builds a gate with the given trial-start override set; nil selects
// the backend defaults.
func New(startCommands []string) *Gate {
	if startCommands == nil {
		startCommands = DefaultStartCommands
	}
	set := make(map[string]struct{}, len(startCommands))
	for _, cmd := range startCommands {
		set[cmd] = struct{}{}
	}
	return &Gate{startCommands: set}
}

// Evaluate trims the command and decides against the current document.
// The returned string is the trimmed command to forward when the
// decision is DecisionForward.
func (g *Gate) Evaluate(command string, doc state.Document) (string, Decision) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", DecisionDropEmpty
	}
	if _, override := g.startCommands[trimmed]; override {
		return trimmed, DecisionForward
	}
	if doc.IsProcessing {
		return "", DecisionDropProcessing
	}
	return trimmed, DecisionForward
}
