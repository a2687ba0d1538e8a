// Package remote defines the document-store contract the sync engine consumes:
// live collection queries plus append, set, field update, delete and point read.
package remote

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("document not found")
	ErrAlreadyExists     = errors.New("document already exists")
	ErrMalformedDocument = errors.New("malformed document")
)

// Document is one stored record. Fields hold decoded JSON-like values;
// server-assigned timestamps arrive as time.Time.
type Document struct {
	ID     string
	Fields map[string]any
}

// StoredDocument is a Document plus the bookkeeping a store needs to persist it.
type StoredDocument struct {
	Collection string
	Seq        uint64
	Document
}

type FilterOp int

const (
	OpEqual FilterOp = iota
	OpArrayContains
)

type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Query selects a whole collection, optionally filtered and ordered ascending
// by OrderBy. Documents without the OrderBy field are excluded.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
}

// Snapshot is the full result set of a query at one point in time. A
// snapshot with Err set carries no documents and does not replace state.
type Snapshot struct {
	Documents []Document
	Err       error
}

type serverTimestamp struct{}

// ServerTimestamp is a field value the store replaces with its own clock on write.
var ServerTimestamp any = serverTimestamp{}

func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

type UpdateOp int

const (
	UpdateSet UpdateOp = iota
	UpdateArrayUnion
	UpdateArrayRemove
)

// FieldUpdate is one atomic field-level mutation.
type FieldUpdate struct {
	Field  string
	Op     UpdateOp
	Value  any
	Values []any
}

func SetField(field string, value any) FieldUpdate {
	return FieldUpdate{Field: field, Op: UpdateSet, Value: value}
}

func ArrayUnion(field string, values ...any) FieldUpdate {
	return FieldUpdate{Field: field, Op: UpdateArrayUnion, Values: values}
}

func ArrayRemove(field string, values ...any) FieldUpdate {
	return FieldUpdate{Field: field, Op: UpdateArrayRemove, Values: values}
}

// Channel is the remote document store. Subscribe delivers the current result
// set immediately and again after every change; the returned channel is
// closed once ctx is done.
type Channel interface {
	Subscribe(ctx context.Context, q Query) (<-chan Snapshot, error)
	Append(ctx context.Context, collection string, fields map[string]any) (string, error)
	Set(ctx context.Context, collection, id string, fields map[string]any) error
	// Create writes a document under id only if none exists there, and
	// returns ErrAlreadyExists otherwise.
	Create(ctx context.Context, collection, id string, fields map[string]any) error
	Update(ctx context.Context, collection, id string, updates ...FieldUpdate) error
	Delete(ctx context.Context, collection, id string) error
	Get(ctx context.Context, collection, id string) (Document, bool, error)
}
