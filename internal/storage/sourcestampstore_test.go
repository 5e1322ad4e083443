package storage_test

import (
	"bytes"
	"context"
	"reflect"
	"testing"

	"github.com/relayforge/buildcore/internal/storage"
)

func ensureStamp(t *testing.T, conn *storage.Connector, ss *storage.SourceStamp) int64 {
	t.Helper()
	ssid, err := storage.RunInteractionNow(context.Background(), conn, func(tx *storage.Tx) (int64, error) {
		return conn.EnsureSourceStamp(tx, ss)
	})
	if err != nil {
		t.Fatalf("EnsureSourceStamp failed: %v", err)
	}
	return ssid
}

func TestEnsureSourceStamp_RoundTrip(t *testing.T) {
	conn := newTestConnector(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := conn.AddChange(ctx, &storage.Change{Author: "alice", Comments: "c"}); err != nil {
			t.Fatalf("AddChange failed: %v", err)
		}
	}

	patchBody := []byte("--- a/x\n+++ b/x\n@@ -1 +1 @@\n-old\n+new\n")
	ss := &storage.SourceStamp{
		Branch:   "main",
		Revision: "abc123",
		Patch:    &storage.Patch{Level: 1, Bytes: patchBody, Subdir: "src"},
		Changes:  []int64{1, 2},
	}
	ssid := ensureStamp(t, conn, ss)
	if ssid != 1 {
		t.Fatalf("Expected ssid 1, got %d", ssid)
	}
	if ss.SSID != ssid {
		t.Errorf("Expected EnsureSourceStamp to write ssid back, got %d", ss.SSID)
	}
	if ss.Patch.ID == 0 {
		t.Error("Expected EnsureSourceStamp to assign a patch id")
	}

	got, err := conn.GetSourceStamp(ctx, ssid)
	if err != nil {
		t.Fatalf("GetSourceStamp failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetSourceStamp returned nil for an existing stamp")
	}
	if got.Branch != "main" || got.Revision != "abc123" {
		t.Errorf("Branch/Revision mismatch: %q %q", got.Branch, got.Revision)
	}
	if got.Patch == nil {
		t.Fatal("Expected patch to round-trip")
	}
	if got.Patch.Level != 1 || got.Patch.Subdir != "src" {
		t.Errorf("Patch level/subdir mismatch: %d %q", got.Patch.Level, got.Patch.Subdir)
	}
	if !bytes.Equal(got.Patch.Bytes, patchBody) {
		t.Errorf("Patch body mismatch after base64 round-trip")
	}
	if !reflect.DeepEqual(got.Changes, []int64{1, 2}) {
		t.Errorf("Expected changes [1 2], got %v", got.Changes)
	}
}

func TestEnsureSourceStamp_ReusesAssignedID(t *testing.T) {
	conn := newTestConnector(t)

	ss := &storage.SourceStamp{Branch: "main", Revision: "r1"}
	first := ensureStamp(t, conn, ss)
	second := ensureStamp(t, conn, ss)
	if first != second {
		t.Errorf("Expected EnsureSourceStamp to reuse assigned ssid %d, got %d", first, second)
	}
}

func TestGetSourceStamp_Missing(t *testing.T) {
	conn := newTestConnector(t)

	got, err := conn.GetSourceStamp(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetSourceStamp failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for missing stamp, got %+v", got)
	}
}

func TestGetSourceStamp_Cached(t *testing.T) {
	conn := newTestConnector(t)
	ctx := context.Background()

	ssid := ensureStamp(t, conn, &storage.SourceStamp{Branch: "main", Revision: "r1"})

	first, err := conn.GetSourceStamp(ctx, ssid)
	if err != nil {
		t.Fatalf("GetSourceStamp failed: %v", err)
	}
	second, err := conn.GetSourceStamp(ctx, ssid)
	if err != nil {
		t.Fatalf("GetSourceStamp failed: %v", err)
	}
	// Source stamps are immutable, so the cache may hand back the same
	// object.
	if first != second {
		t.Error("Expected the cached read to return the identical object")
	}
}
