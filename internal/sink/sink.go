// Package sink defines where decoded message effects are persisted.
//
// Every backend has overwrite semantics: saving a name replaces whatever was
// stored under it, there is no versioning.
package sink

import (
	"context"
	"errors"
)

// DefaultSlot is the logical name decoded code is stored under.
const DefaultSlot = "received_code.py"

var ErrEmptyName = errors.New("sink: empty name")

// Sink persists one named text value.
type Sink interface {
	Save(ctx context.Context, name, content string) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, name, content string) error

func (f Func) Save(ctx context.Context, name, content string) error {
	return f(ctx, name, content)
}
