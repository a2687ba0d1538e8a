package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"aim-chat/chat-sync/internal/remote"

	"github.com/cockroachdb/pebble"
)

const (
	documentKeyPrefix = "doc/"
	keySeparator      = "\x00"
	timeTag           = "$time"
)

var ErrStoreClosed = errors.New("document store is closed")

// DocumentStore persists remote documents in Pebble, one key per document.
type DocumentStore struct {
	db *pebble.DB
}

type storedRecord struct {
	Seq    uint64         `json:"seq"`
	Fields map[string]any `json:"fields"`
}

func OpenDocumentStore(path string) (*DocumentStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("document store path is required")
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		return nil, fmt.Errorf("restrict store dir %s: %w", path, err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &DocumentStore{db: db}, nil
}

func (s *DocumentStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *DocumentStore) PutDocument(doc remote.StoredDocument) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	data, err := json.Marshal(storedRecord{Seq: doc.Seq, Fields: encodeFields(doc.Fields)})
	if err != nil {
		return err
	}
	return s.db.Set(documentKey(doc.Collection, doc.ID), data, pebble.Sync)
}

func (s *DocumentStore) DeleteDocument(collection, id string) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	return s.db.Delete(documentKey(collection, id), pebble.Sync)
}

func (s *DocumentStore) GetDocument(collection, id string) (remote.StoredDocument, bool, error) {
	if s.db == nil {
		return remote.StoredDocument{}, false, ErrStoreClosed
	}
	data, closer, err := s.db.Get(documentKey(collection, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return remote.StoredDocument{}, false, nil
	}
	if err != nil {
		return remote.StoredDocument{}, false, err
	}
	defer closer.Close()
	doc, err := decodeRecord(collection, id, data)
	if err != nil {
		return remote.StoredDocument{}, false, err
	}
	return doc, true, nil
}

// LoadDocuments returns every persisted document across all collections.
func (s *DocumentStore) LoadDocuments() ([]remote.StoredDocument, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(documentKeyPrefix),
		UpperBound: []byte("doc0"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []remote.StoredDocument
	for iter.First(); iter.Valid(); iter.Next() {
		collection, id, ok := splitDocumentKey(string(iter.Key()))
		if !ok {
			continue
		}
		doc, err := decodeRecord(collection, id, iter.Value())
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		out = append(out, doc)
	}
	return out, iter.Error()
}

func documentKey(collection, id string) []byte {
	return []byte(documentKeyPrefix + collection + keySeparator + id)
}

func splitDocumentKey(key string) (string, string, bool) {
	rest, ok := strings.CutPrefix(key, documentKeyPrefix)
	if !ok {
		return "", "", false
	}
	collection, id, ok := strings.Cut(rest, keySeparator)
	if !ok || collection == "" || id == "" {
		return "", "", false
	}
	return collection, id, true
}

func decodeRecord(collection, id string, data []byte) (remote.StoredDocument, error) {
	var rec storedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return remote.StoredDocument{}, err
	}
	return remote.StoredDocument{
		Collection: collection,
		Seq:        rec.Seq,
		Document:   remote.Document{ID: id, Fields: decodeFields(rec.Fields)},
	}, nil
}

// Timestamps are tagged so they survive JSON without being confused with
// string content that happens to look like a date.
func encodeFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return map[string]any{timeTag: val.UTC().Format(time.RFC3339Nano)}
	case map[string]any:
		return encodeFields(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = encodeValue(item)
		}
		return out
	default:
		return v
	}
}

func decodeFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = decodeValue(v)
	}
	return out
}

func decodeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if raw, ok := val[timeTag].(string); ok && len(val) == 1 {
			if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				return t.UTC()
			}
		}
		return decodeFields(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = decodeValue(item)
		}
		return out
	default:
		return v
	}
}
