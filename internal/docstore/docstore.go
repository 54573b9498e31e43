// Package docstore is the document store the moderation engine, the push
// registry and the user registry persist into: JSON documents grouped in
// collections, queryable by a single top-level field.
package docstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("docstore: document not found")

type Document struct {
	ID   string
	Body []byte
}

type OpKind int

const (
	OpSet OpKind = iota
	OpUpdate
	OpDelete
)

// Op is one write in a Batch.
type Op struct {
	Kind       OpKind
	Collection string
	ID         string
	Body       []byte
	Fields     map[string]any
}

type Store interface {
	Query(ctx context.Context, collection, field string, value any) ([]Document, error)
	Get(ctx context.Context, collection, id string) ([]byte, error)
	Set(ctx context.Context, collection, id string, body []byte) error
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	// Batch applies every op or none.
	Batch(ctx context.Context, ops []Op) error
}

func SetOp(collection, id string, body []byte) Op {
	return Op{Kind: OpSet, Collection: collection, ID: id, Body: body}
}

func DeleteOp(collection, id string) Op {
	return Op{Kind: OpDelete, Collection: collection, ID: id}
}
