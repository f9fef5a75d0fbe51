package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// DecodeError marks a frame that could not be turned into a Message. The
// caller discards the frame; the connection stays open.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode frame: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode classifies one raw inbound frame. Binary frames arrive gzip
// compressed; text frames are parsed as-is. The server tags every frame
// with an explicit type discriminator.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, &DecodeError{Reason: "empty frame"}
	}

	payload := frame
	if isGzip(frame) {
		inflated, err := inflate(frame)
		if err != nil {
			return Message{}, &DecodeError{Reason: "gunzip", Err: err}
		}
		payload = inflated
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Message{}, &DecodeError{Reason: "parse", Err: err}
	}

	switch env.Type {
	case "full_state":
		if len(env.Data) == 0 {
			return Message{}, &DecodeError{Reason: "full_state frame without data"}
		}
		return Message{Kind: KindFullState, Data: env.Data}, nil
	case "patch":
		if len(env.Patch) == 0 {
			return Message{}, &DecodeError{Reason: "patch frame without operations"}
		}
		return Message{Kind: KindPatch, Patch: env.Patch}, nil
	case "error":
		return Message{Kind: KindServerError, Detail: env.Detail}, nil
	default:
		return Message{}, &DecodeError{Reason: fmt.Sprintf("unknown frame type %q", env.Type)}
	}
}

func isGzip(frame []byte) bool {
	return len(frame) >= 2 && frame[0] == 0x1f && frame[1] == 0x8b
}

func inflate(frame []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
