package syncclient

import (
	"context"
	"path/filepath"
	"testing"
)

func TestMemoryCursorStore(t *testing.T) {
	store := NewMemoryCursorStore()
	ctx := context.Background()
	const sessionID = "s1"
	const subscriberID = "sub1"

	got, err := store.LoadCursor(ctx, sessionID, subscriberID)
	if err != nil {
		t.Fatalf("LoadCursor empty: %v", err)
	}
	if got != 0 {
		t.Fatalf("LoadCursor empty got=%d want=0", got)
	}
	if err := store.SaveCursor(ctx, sessionID, subscriberID, 1700000000042); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	got, err = store.LoadCursor(ctx, sessionID, subscriberID)
	if err != nil {
		t.Fatalf("LoadCursor: %v", err)
	}
	if got != 1700000000042 {
		t.Fatalf("LoadCursor got=%d want=1700000000042", got)
	}
}

func TestBoltCursorStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.db")
	store, err := NewBoltCursorStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	const sessionID = "s2"
	const subscriberID = "sub2"

	if err := store.SaveCursor(ctx, sessionID, subscriberID, 9); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	got, err := store.LoadCursor(ctx, sessionID, subscriberID)
	if err != nil {
		t.Fatalf("LoadCursor: %v", err)
	}
	if got != 9 {
		t.Fatalf("LoadCursor got=%d want=9", got)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Cursors survive reopening the file.
	store, err = NewBoltCursorStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	got, err = store.LoadCursor(ctx, sessionID, subscriberID)
	if err != nil {
		t.Fatalf("LoadCursor after reopen: %v", err)
	}
	if got != 9 {
		t.Fatalf("LoadCursor after reopen got=%d want=9", got)
	}
}
