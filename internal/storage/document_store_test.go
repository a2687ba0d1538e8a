package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"aim-chat/chat-sync/internal/remote"
	"aim-chat/chat-sync/internal/remote/memstore"
	"aim-chat/chat-sync/internal/testutil/fsperm"
)

func TestDocumentStoreRoundTripPreservesTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs")
	store, err := OpenDocumentStore(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	ts := time.Date(2026, time.March, 1, 12, 0, 0, 123456789, time.UTC)
	doc := remote.StoredDocument{
		Collection: remote.CollectionMessages,
		Seq:        7,
		Document: remote.Document{ID: "m1", Fields: map[string]any{
			"content":   "2026-03-01T12:00:00Z",
			"timestamp": ts,
			"readBy":    []any{"u1"},
			"replyTo":   map[string]any{"messageId": "m0"},
		}},
	}
	if err := store.PutDocument(doc); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := OpenDocumentStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	got, ok, err := reopened.GetDocument(remote.CollectionMessages, "m1")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if got.Seq != 7 {
		t.Fatalf("unexpected seq: %d", got.Seq)
	}
	if gotTS, ok := got.Fields["timestamp"].(time.Time); !ok || !gotTS.Equal(ts) {
		t.Fatalf("timestamp not preserved: %#v", got.Fields["timestamp"])
	}
	if got.Fields["content"] != "2026-03-01T12:00:00Z" {
		t.Fatalf("date-like content must stay a string: %#v", got.Fields["content"])
	}
	msg, err := remote.DecodeMessage(remote.Document{ID: "m1", Fields: map[string]any{
		"conversationId": "c1",
		"senderId":       "u1",
		"timestamp":      got.Fields["timestamp"],
		"readBy":         got.Fields["readBy"],
	}})
	if err != nil || len(msg.ReadBy) != 1 {
		t.Fatalf("reloaded fields must decode: %v %+v", err, msg)
	}
}

func TestDocumentStoreDeleteAndLoad(t *testing.T) {
	store, err := OpenDocumentStore(filepath.Join(t.TempDir(), "docs"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer store.Close()
	for _, id := range []string{"a", "b"} {
		if err := store.PutDocument(remote.StoredDocument{
			Collection: remote.TypingCollection("c1"),
			Document:   remote.Document{ID: id, Fields: remote.TypingFields(id)},
		}); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}
	if err := store.DeleteDocument(remote.TypingCollection("c1"), "a"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	docs, err := store.LoadDocuments()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "b" || docs[0].Collection != "conversations/c1/typingStatus" {
		t.Fatalf("unexpected documents: %+v", docs)
	}
}

func TestMemstoreReloadsFromDocumentStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs")
	persist, err := OpenDocumentStore(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	first, err := memstore.New(memstore.WithPersister(persist))
	if err != nil {
		t.Fatalf("new memstore failed: %v", err)
	}
	ctx := context.Background()
	convID, err := first.Append(ctx, remote.CollectionConversations, remote.NewConversationFields([]string{"u1", "u2"}, false, "", "u1"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := persist.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	persist, err = OpenDocumentStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer persist.Close()
	second, err := memstore.New(memstore.WithPersister(persist))
	if err != nil {
		t.Fatalf("reload memstore failed: %v", err)
	}
	doc, ok, err := second.Get(ctx, remote.CollectionConversations, convID)
	if err != nil || !ok {
		t.Fatalf("conversation not reloaded: ok=%v err=%v", ok, err)
	}
	conv, err := remote.DecodeConversation(doc)
	if err != nil {
		t.Fatalf("decode reloaded conversation: %v", err)
	}
	if len(conv.Participants) != 2 || conv.CreatedAt.IsZero() {
		t.Fatalf("unexpected reloaded conversation: %+v", conv)
	}
}

func TestOpenDocumentStoreKeepsDirectoryPrivate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "docs")
	store, err := OpenDocumentStore(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer store.Close()
	fsperm.AssertPrivateDirPerm(t, path)

	if _, err := OpenDocumentStore("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
