// Package syncstore is the namespaced last-writer-wins key/value store
// peers use for high-churn shared fields (device state, rosters, ban
// flag). Partial updates replace only the referenced keys; concurrent
// writes to the same key resolve to whichever write lands last.
package syncstore

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Namespaces materialized for every classroom.
const (
	NamespaceDeviceState = "deviceState"
	NamespaceClassroom   = "classroom"
	NamespaceOnStage     = "onStageUsers"
)

// Keys inside the classroom namespace.
const (
	KeyClassMode      = "classMode"
	KeyRaiseHandUsers = "raiseHandUsers"
	KeyBan            = "ban"
)

var (
	ErrNotConnected = errors.New("namespace not connected")
	ErrStoreClosed  = errors.New("store closed")
)

// Value is one namespace's content, keys to raw JSON values.
type Value map[string]json.RawMessage

// Clone returns an independent shallow copy.
func (v Value) Clone() Value {
	out := make(Value, len(v))
	for k, raw := range v {
		out[k] = raw
	}
	return out
}

// Decode unmarshals the value under key into dst. Missing keys leave
// dst untouched and return false.
func (v Value) Decode(key string, dst any) (bool, error) {
	raw, ok := v[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// Marshal builds a Value from plain Go values.
func Marshal(kv map[string]any) (Value, error) {
	out := make(Value, len(kv))
	for k, val := range kv {
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("marshal %q: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

// Update notifies a changed namespace with the keys that changed.
type Update struct {
	Namespace string
	Changed   Value
}

// Store is one client's handle on the shared store. Connect must be
// called once per namespace before any other operation on it; calling
// it again is a no-op returning the current value.
type Store interface {
	Connect(ctx context.Context, namespace string, defaultValue Value) (Value, error)
	SetPartial(ctx context.Context, namespace string, partial Value) error
	Get(ctx context.Context, namespace string) (Value, error)
	Updates() <-chan Update
	Close() error
}
