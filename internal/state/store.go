package state

import (
	"encoding/json"
	"fmt"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"ten-dreams/client/internal/protocol"
)

// PatchError marks a patch that was rejected in full. The document is
// exactly as it was before the patch began.
type PatchError struct {
	Err error
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("patch rejected: %v", e.Err)
}

func (e *PatchError) Unwrap() error {
	return e.Err
}

// Store owns the canonical session document. Server messages are the
// only write path: a full_state replaces the document wholesale, a patch
// applies an ordered RFC6902 operation sequence all-or-nothing. Every
// read hands out a deep-cloned snapshot.
type Store struct {
	mu    sync.Mutex
	raw   json.RawMessage
	doc   Document
	ready bool
}

func NewStore() *Store {
	return &Store{}
}

// Seed installs the document returned by the session-init fetch. It is
// equivalent to applying a full_state message.
func (s *Store) Seed(doc json.RawMessage) (Document, error) {
	return s.replace(doc)
}

// Apply mutates the document with exactly one server message and
// returns the post-apply snapshot. Error frames carry no state and are
// rejected here; the session surfaces them without touching the store.
func (s *Store) Apply(msg protocol.Message) (Document, error) {
	switch msg.Kind {
	case protocol.KindFullState:
		return s.replace(msg.Data)
	case protocol.KindPatch:
		return s.patch(msg.Patch)
	default:
		return Document{}, fmt.Errorf("apply: message kind %s carries no state", msg.Kind)
	}
}

// Snapshot returns a read-only copy of the current document. The second
// return is false until the first full state arrives.
func (s *Store) Snapshot() (Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return Document{}, false
	}
	return s.doc.Clone(), true
}

func (s *Store) replace(raw json.RawMessage) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("replace document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = append(json.RawMessage(nil), raw...)
	s.doc = doc
	s.ready = true
	return s.doc.Clone(), nil
}

func (s *Store) patch(ops json.RawMessage) (Document, error) {
	patch, err := jsonpatch.DecodePatch(ops)
	if err != nil {
		return Document{}, &PatchError{Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return Document{}, &PatchError{Err: fmt.Errorf("no document to patch")}
	}

	// Apply against a copy and commit only on success, so a failed
	// operation sequence leaves the canonical bytes untouched.
	next, err := patch.Apply(append(json.RawMessage(nil), s.raw...))
	if err != nil {
		return Document{}, &PatchError{Err: err}
	}
	var doc Document
	if err := json.Unmarshal(next, &doc); err != nil {
		return Document{}, &PatchError{Err: fmt.Errorf("patched document invalid: %w", err)}
	}

	s.raw = next
	s.doc = doc
	return s.doc.Clone(), nil
}
