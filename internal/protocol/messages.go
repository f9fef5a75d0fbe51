package protocol

import "encoding/json"

// Kind discriminates the decoded inbound frame variants.
type Kind int

const (
	KindFullState Kind = iota
	KindPatch
	KindServerError
)

func (k Kind) String() string {
	switch k {
	case KindFullState:
		return "full_state"
	case KindPatch:
		return "patch"
	case KindServerError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is one decoded server frame. Exactly one of Data, Patch, or
// Detail is populated, selected by Kind.
type Message struct {
	Kind   Kind
	Data   json.RawMessage
	Patch  json.RawMessage
	Detail string
}

// envelope mirrors the wire shape of every inbound frame.
type envelope struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Patch  json.RawMessage `json:"patch,omitempty"`
	Detail string          `json:"detail,omitempty"`
}

// Command is the single outbound frame shape.
type Command struct {
	Action string `json:"action"`
}

func EncodeCommand(action string) ([]byte, error) {
	return json.Marshal(Command{Action: action})
}

// Schema-facing views of the wire protocol, consumed by cmd/schema.
type FullStateFrame struct {
	Type string         `json:"type" jsonschema:"enum=full_state"`
	Data map[string]any `json:"data"`
}

type PatchFrame struct {
	Type  string           `json:"type" jsonschema:"enum=patch"`
	Patch []map[string]any `json:"patch"`
}

type ErrorFrame struct {
	Type   string `json:"type" jsonschema:"enum=error"`
	Detail string `json:"detail"`
}
