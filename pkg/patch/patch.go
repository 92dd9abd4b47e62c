// Package patch computes and applies RFC-6902 JSON patches. Patches are
// the state-delta currency of the run event log: every STEP_COMPLETE
// event carries one, and the run's state is the fold of all applied
// patches over the initial state.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"
)

// ErrBadPatch reports a malformed patch document: not an operation
// array, an unknown op, a bad path, or an operation that cannot be
// applied to the document.
var ErrBadPatch = errors.New("malformed JSON patch")

// emptyObject is the default document when none is provided.
var emptyObject = json.RawMessage(`{}`)

// Diff computes the RFC-6902 patch that transforms a into b. Both
// values must be JSON-convertible. The result is an operation array;
// equal inputs yield an empty array.
func Diff(a, b any) (json.RawMessage, error) {
	ops, err := jsondiff.Compare(a, b)
	if err != nil {
		return nil, fmt.Errorf("computing diff: %w", err)
	}
	return marshalOps(ops)
}

// DiffBytes is Diff over raw JSON documents.
func DiffBytes(a, b json.RawMessage) (json.RawMessage, error) {
	if len(a) == 0 {
		a = emptyObject
	}
	if len(b) == 0 {
		b = emptyObject
	}
	ops, err := jsondiff.CompareJSON(a, b)
	if err != nil {
		return nil, fmt.Errorf("computing diff: %w", err)
	}
	return marshalOps(ops)
}

// Apply applies one or more patches to doc in order and returns the
// resulting document. Malformed or inapplicable patches fail with an
// error wrapping ErrBadPatch; doc is never modified in place.
func Apply(doc json.RawMessage, patches ...json.RawMessage) (json.RawMessage, error) {
	if len(doc) == 0 {
		doc = emptyObject
	}
	out := doc
	for i, raw := range patches {
		if len(raw) == 0 {
			continue
		}
		p, err := jsonpatch.DecodePatch(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding patch %d: %v", ErrBadPatch, i, err)
		}
		next, err := p.Apply(out)
		if err != nil {
			return nil, fmt.Errorf("%w: applying patch %d: %v", ErrBadPatch, i, err)
		}
		out = next
	}
	return out, nil
}

// Fold applies a patch sequence over an initial document. It is the
// projection function used to rebuild run state from STEP_COMPLETE
// events.
func Fold(initial json.RawMessage, patches []json.RawMessage) (json.RawMessage, error) {
	return Apply(initial, patches...)
}

// MergeAtPath builds a patch that sets value under the given top-level
// key, or merges the value's keys into the document root when the key
// is empty. Used by the agent loop to merge a terminal tool's result
// into state.
func MergeAtPath(doc json.RawMessage, path string, value any) (json.RawMessage, error) {
	if len(doc) == 0 {
		doc = emptyObject
	}
	var target any
	if err := json.Unmarshal(doc, &target); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	obj, ok := target.(map[string]any)
	if !ok {
		obj = map[string]any{}
	}
	if path == "" {
		merged, mok := valueAsObject(value)
		if !mok {
			return nil, fmt.Errorf("%w: cannot merge non-object value at document root", ErrBadPatch)
		}
		for k, v := range merged {
			obj[k] = v
		}
	} else {
		obj[path] = value
	}
	return DiffBytes(doc, mustMarshal(obj))
}

func valueAsObject(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, false
		}
		return m, true
	default:
		return nil, false
	}
}

func marshalOps(ops jsondiff.Patch) (json.RawMessage, error) {
	if ops == nil {
		return json.RawMessage(`[]`), nil
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encoding patch: %w", err)
	}
	return data, nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// v is built from decoded JSON plus JSON-convertible values.
		panic(err)
	}
	return data
}
