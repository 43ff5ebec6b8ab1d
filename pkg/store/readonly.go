package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrReadOnly is returned by mutating calls on a read-only tree.
var ErrReadOnly = errors.New("tree is read-only")

type readOnlyTree struct {
	Tree
}

// ReadOnly wraps t so that every mutating call fails with ErrReadOnly.
// Reads, watches and session state pass through.
func ReadOnly(t Tree) Tree {
	return readOnlyTree{Tree: t}
}

func (readOnlyTree) Create(_ context.Context, p string, _ []byte, _ CreateMode) (string, error) {
	return "", fmt.Errorf("create %s: %w", p, ErrReadOnly)
}

func (readOnlyTree) Set(_ context.Context, p string, _ []byte, _ int64) (*Stat, error) {
	return nil, fmt.Errorf("set %s: %w", p, ErrReadOnly)
}

func (readOnlyTree) Delete(_ context.Context, p string, _ bool) error {
	return fmt.Errorf("delete %s: %w", p, ErrReadOnly)
}
