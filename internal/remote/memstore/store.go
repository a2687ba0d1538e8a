// Package memstore is an in-process remote.Channel: a document store with live
// queries, used for local runs (optionally persisted) and as the test double
// for the sync engine.
package memstore

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"aim-chat/chat-sync/internal/remote"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	OpAppend = "append"
	OpSet    = "set"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

var ErrInvalidPath = errors.New("collection and document id are required")

// WriteOp describes a write about to be applied; an interceptor returning an
// error rejects it before any state changes.
type WriteOp struct {
	Kind       string
	Collection string
	ID         string
}

// Persister receives every committed document change.
type Persister interface {
	LoadDocuments() ([]remote.StoredDocument, error)
	PutDocument(doc remote.StoredDocument) error
	DeleteDocument(collection, id string) error
}

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

type record struct {
	seq    uint64
	fields map[string]any
}

type subscriber struct {
	query  remote.Query
	ch     chan remote.Snapshot
	closed bool
}

type Store struct {
	mu          sync.Mutex
	clock       clock.Clock
	persist     Persister
	newID       func() string
	intercept   func(WriteOp) error
	lastTS      time.Time
	seq         uint64
	collections map[string]map[string]record
	subs        map[uint64]*subscriber
	nextSub     uint64
}

func New(opts ...Option) (*Store, error) {
	s := &Store{
		clock:       clock.New(),
		newID:       uuid.NewString,
		collections: make(map[string]map[string]record),
		subs:        make(map[uint64]*subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.persist != nil {
		docs, err := s.persist.LoadDocuments()
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			s.collectionLocked(doc.Collection)[doc.ID] = record{seq: doc.Seq, fields: copyFields(doc.Fields)}
			if doc.Seq > s.seq {
				s.seq = doc.Seq
			}
		}
	}
	return s, nil
}

// SetWriteInterceptor installs fn to vet every subsequent write; nil removes it.
func (s *Store) SetWriteInterceptor(fn func(WriteOp) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intercept = fn
}

// InjectSubscriptionError pushes err to every live query on collection.
func (s *Store) InjectSubscriptionError(collection string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.query.Collection == collection {
			push(sub, remote.Snapshot{Err: err})
		}
	}
}

// LiveQueries reports the number of open subscriptions.
func (s *Store) LiveQueries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) Subscribe(ctx context.Context, q remote.Query) (<-chan remote.Snapshot, error) {
	if strings.TrimSpace(q.Collection) == "" {
		return nil, ErrInvalidPath
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscriber{query: q, ch: make(chan remote.Snapshot, 1)}

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = sub
	push(sub, remote.Snapshot{Documents: s.runLocked(q)})
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		sub.closed = true
		close(sub.ch)
		s.mu.Unlock()
	}()
	return sub.ch, nil
}

func (s *Store) Append(ctx context.Context, collection string, fields map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(collection) == "" {
		return "", ErrInvalidPath
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID()
	if err := s.interceptLocked(WriteOp{Kind: OpAppend, Collection: collection, ID: id}); err != nil {
		return "", err
	}
	rec := record{seq: s.seq + 1, fields: s.resolveLocked(fields)}
	if err := s.commitLocked(collection, id, rec); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(id) == "" {
		return ErrInvalidPath
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.interceptLocked(WriteOp{Kind: OpSet, Collection: collection, ID: id}); err != nil {
		return err
	}
	seq := s.seq + 1
	if existing, ok := s.collections[collection][id]; ok {
		seq = existing.seq
	}
	return s.commitLocked(collection, id, record{seq: seq, fields: s.resolveLocked(fields)})
}

func (s *Store) Create(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(id) == "" {
		return ErrInvalidPath
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[collection][id]; ok {
		return remote.ErrAlreadyExists
	}
	if err := s.interceptLocked(WriteOp{Kind: OpCreate, Collection: collection, ID: id}); err != nil {
		return err
	}
	return s.commitLocked(collection, id, record{seq: s.seq + 1, fields: s.resolveLocked(fields)})
}

func (s *Store) Update(ctx context.Context, collection, id string, updates ...remote.FieldUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(id) == "" {
		return ErrInvalidPath
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.interceptLocked(WriteOp{Kind: OpUpdate, Collection: collection, ID: id}); err != nil {
		return err
	}
	existing, ok := s.collections[collection][id]
	if !ok {
		return remote.ErrNotFound
	}
	next := copyFields(existing.fields)
	for _, u := range updates {
		switch u.Op {
		case remote.UpdateSet:
			next[u.Field] = s.resolveValueLocked(u.Value)
		case remote.UpdateArrayUnion:
			next[u.Field] = arrayUnion(next[u.Field], u.Values)
		case remote.UpdateArrayRemove:
			next[u.Field] = arrayRemove(next[u.Field], u.Values)
		}
	}
	return s.commitLocked(collection, id, record{seq: existing.seq, fields: next})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(id) == "" {
		return ErrInvalidPath
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.interceptLocked(WriteOp{Kind: OpDelete, Collection: collection, ID: id}); err != nil {
		return err
	}
	if _, ok := s.collections[collection][id]; !ok {
		return nil
	}
	if s.persist != nil {
		if err := s.persist.DeleteDocument(collection, id); err != nil {
			return err
		}
	}
	delete(s.collections[collection], id)
	s.notifyLocked(collection)
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (remote.Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return remote.Document{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.collections[collection][id]
	if !ok {
		return remote.Document{}, false, nil
	}
	return remote.Document{ID: id, Fields: copyFields(rec.fields)}, true, nil
}

func (s *Store) interceptLocked(op WriteOp) error {
	if s.intercept == nil {
		return nil
	}
	return s.intercept(op)
}

func (s *Store) commitLocked(collection, id string, rec record) error {
	if s.persist != nil {
		err := s.persist.PutDocument(remote.StoredDocument{
			Collection: collection,
			Seq:        rec.seq,
			Document:   remote.Document{ID: id, Fields: rec.fields},
		})
		if err != nil {
			return err
		}
	}
	if rec.seq > s.seq {
		s.seq = rec.seq
	}
	s.collectionLocked(collection)[id] = rec
	s.notifyLocked(collection)
	return nil
}

func (s *Store) collectionLocked(collection string) map[string]record {
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]record)
		s.collections[collection] = docs
	}
	return docs
}

func (s *Store) notifyLocked(collection string) {
	for _, sub := range s.subs {
		if sub.query.Collection == collection {
			push(sub, remote.Snapshot{Documents: s.runLocked(sub.query)})
		}
	}
}

// push replaces any undelivered snapshot so a slow reader only ever sees the latest.
func push(sub *subscriber, snap remote.Snapshot) {
	if sub.closed {
		return
	}
	select {
	case sub.ch <- snap:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	sub.ch <- snap
}

func (s *Store) runLocked(q remote.Query) []remote.Document {
	type hit struct {
		seq uint64
		doc remote.Document
	}
	hits := make([]hit, 0)
	for id, rec := range s.collections[q.Collection] {
		if !matches(rec.fields, q) {
			continue
		}
		hits = append(hits, hit{seq: rec.seq, doc: remote.Document{ID: id, Fields: copyFields(rec.fields)}})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })
	if q.OrderBy != "" {
		sort.SliceStable(hits, func(i, j int) bool {
			return compareValues(hits[i].doc.Fields[q.OrderBy], hits[j].doc.Fields[q.OrderBy]) < 0
		})
	}
	out := make([]remote.Document, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.doc)
	}
	return out
}

func matches(fields map[string]any, q remote.Query) bool {
	if q.OrderBy != "" {
		if v, ok := fields[q.OrderBy]; !ok || v == nil {
			return false
		}
	}
	for _, f := range q.Filters {
		v := fields[f.Field]
		switch f.Op {
		case remote.OpEqual:
			if !reflect.DeepEqual(v, f.Value) {
				return false
			}
		case remote.OpArrayContains:
			items, ok := v.([]any)
			if !ok || !containsValue(items, f.Value) {
				return false
			}
		}
	}
	return true
}

func (s *Store) nextTimestampLocked() time.Time {
	now := s.clock.Now().UTC()
	if !now.After(s.lastTS) {
		now = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = now
	return now
}

func (s *Store) resolveLocked(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = s.resolveValueLocked(v)
	}
	return out
}

func (s *Store) resolveValueLocked(v any) any {
	if remote.IsServerTimestamp(v) {
		return s.nextTimestampLocked()
	}
	switch val := v.(type) {
	case map[string]any:
		return s.resolveLocked(val)
	case []string:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, item)
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, s.resolveValueLocked(item))
		}
		return out
	default:
		return v
	}
}

func arrayUnion(current any, values []any) []any {
	items, _ := current.([]any)
	out := append([]any(nil), items...)
	for _, v := range values {
		if !containsValue(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func arrayRemove(current any, values []any) []any {
	items, _ := current.([]any)
	out := make([]any, 0, len(items))
	for _, item := range items {
		if !containsValue(values, item) {
			out = append(out, item)
		}
	}
	return out
}

func containsValue(items []any, v any) bool {
	for _, item := range items {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case int64:
		if bv, ok := b.(int64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	}
	return 0
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyFields(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
