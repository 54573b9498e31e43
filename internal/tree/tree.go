// Package tree defines the realtime ordered store the engines sync against:
// a path-addressed tree of JSON objects with ordered-child subscriptions,
// range queries and atomic per-node transactions.
package tree

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound = errors.New("tree: no value at path")
	ErrClosed   = errors.New("tree: store closed")
)

type Child struct {
	Key   string
	Value []byte
}

// Query selects and orders the children of a path. OrderBy names a numeric
// field of the child objects; an empty OrderBy orders by key. Start and End
// are inclusive bounds on the OrderBy value. With LimitToLast the newest
// Limit children are kept instead of the oldest.
type Query struct {
	OrderBy     string
	Start       *float64
	End         *float64
	Limit       int
	LimitToLast bool
}

// Listener receives the full ordered child list after every change.
type Listener func(children []Child)

// TxFunc receives the current node value (nil when absent) and returns the
// replacement. Returning a nil value removes the node; returning an error
// aborts the transaction and is passed back to the caller unchanged.
type TxFunc func(current []byte) ([]byte, error)

type Store interface {
	Subscribe(ctx context.Context, path string, q Query, fn Listener) (cancel func(), err error)
	QueryRange(ctx context.Context, path string, q Query) ([]Child, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Set(ctx context.Context, path string, value []byte) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	Transact(ctx context.Context, path string, fn TxFunc) error
}

// Join builds a store path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the parent path and the last segment of path.
func Split(path string) (parent, key string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func Float(v float64) *float64 { return &v }
