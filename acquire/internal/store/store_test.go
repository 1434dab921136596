package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/hazyhaar/fanart/preview"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func blob(tag string) Blob {
	return Blob{Data: []byte("png-bytes-" + tag), ContentType: "image/png", SourceURL: "https://img.test/" + tag, Strategy: preview.MethodLightweight}
}

func indices(t *testing.T, s *Store, item string) []int {
	t.Helper()
	slots, err := s.Slots(context.Background(), item)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	out := make([]int, len(slots))
	for i, sl := range slots {
		out[i] = sl.Index
	}
	return out
}

func TestApplySchema(t *testing.T) {
	// WHAT: Open creates every table.
	s := openTestStore(t)
	for _, table := range []string{"items", "preview_blobs", "preview_slots"} {
		var name string
		err := s.DB.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestCommit_DenseIndices(t *testing.T) {
	// WHAT: a fresh item committed N blobs gets indices 0..N-1.
	s := openTestStore(t)
	ctx := context.Background()

	res, err := s.Commit(ctx, "item-1", []Blob{blob("a"), blob("b"), blob("c")})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.SavedCount != 3 || res.Slots != 3 || res.Skipped != 0 {
		t.Errorf("result = %+v", res)
	}
	if got := indices(t, s, "item-1"); fmt.Sprint(got) != "[0 1 2]" {
		t.Errorf("indices = %v", got)
	}

	res, err = s.Commit(ctx, "item-1", []Blob{blob("d")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.Slots != 4 {
		t.Errorf("after append slots = %d", res.Slots)
	}
	it, err := s.GetItem(ctx, "item-1")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if !it.HasPreview || it.Slots != 4 {
		t.Errorf("item = %+v", it)
	}
}

func TestCommit_SkipsHeldBytes(t *testing.T) {
	// WHAT: saving bytes the item already holds does not create a second slot.
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.Commit(ctx, "item-1", []Blob{blob("a")}); err != nil {
		t.Fatal(err)
	}
	res, err := s.Commit(ctx, "item-1", []Blob{blob("a"), blob("b"), blob("b")})
	if err != nil {
		t.Fatal(err)
	}
	if res.SavedCount != 1 || res.Skipped != 2 || res.Slots != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestCommit_BlobsSharedAcrossItems(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.Commit(ctx, "item-1", []Blob{blob("a")})
	s.Commit(ctx, "item-2", []Blob{blob("a")})

	var n int
	s.DB.QueryRow(`SELECT COUNT(*) FROM preview_blobs`).Scan(&n)
	if n != 1 {
		t.Errorf("blobs = %d, want 1", n)
	}

	if err := s.DeleteItem(ctx, "item-1"); err != nil {
		t.Fatal(err)
	}
	if _, data, err := s.Slot(ctx, "item-2", 0); err != nil || len(data) == 0 {
		t.Errorf("shared blob lost: %v", err)
	}
}

func TestCommit_Atomic(t *testing.T) {
	// WHAT: a failure on the second slot leaves the store as it was.
	// WHY: a partial commit would leave a gap or an unconfirmed image.
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.Commit(ctx, "item-1", []Blob{blob("a")}); err != nil {
		t.Fatal(err)
	}
	_, err := s.DB.Exec(`CREATE TRIGGER fail_idx2 BEFORE INSERT ON preview_slots
		WHEN new.idx = 2 BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	_, err = s.Commit(ctx, "item-1", []Blob{blob("b"), blob("c")})
	if !errors.Is(err, preview.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if got := indices(t, s, "item-1"); fmt.Sprint(got) != "[0]" {
		t.Errorf("indices after failed commit = %v", got)
	}
	var n int
	s.DB.QueryRow(`SELECT COUNT(*) FROM preview_blobs`).Scan(&n)
	if n != 1 {
		t.Errorf("blobs = %d, want 1", n)
	}
}

func TestCommit_RejectsNonImage(t *testing.T) {
	s := openTestStore(t)
	bad := Blob{Data: []byte("<html>"), ContentType: "text/html"}
	_, err := s.Commit(context.Background(), "item-1", []Blob{blob("a"), bad})
	if !errors.Is(err, preview.ErrMalformedInput) {
		t.Errorf("err = %v", err)
	}
	if got := indices(t, s, "item-1"); len(got) != 0 {
		t.Errorf("indices = %v", got)
	}
}

func TestDeleteSlot_Recompacts(t *testing.T) {
	// WHAT: deleting index 1 of [0,1,2] leaves [0,1] and the former index 2
	// content is served at index 1.
	s := openTestStore(t)
	ctx := context.Background()
	s.Commit(ctx, "item-1", []Blob{blob("a"), blob("b"), blob("c")})

	remaining, err := s.DeleteSlot(ctx, "item-1", 1)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if remaining != 2 {
		t.Errorf("remaining = %d", remaining)
	}
	if got := indices(t, s, "item-1"); fmt.Sprint(got) != "[0 1]" {
		t.Errorf("indices = %v", got)
	}
	_, data, err := s.Slot(ctx, "item-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, blob("c").Data) {
		t.Errorf("slot 1 = %q, want former slot 2", data)
	}

	var n int
	s.DB.QueryRow(`SELECT COUNT(*) FROM preview_blobs`).Scan(&n)
	if n != 2 {
		t.Errorf("orphan blob kept: %d blobs", n)
	}
}

func TestDeleteSlot_LastClearsFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.Commit(ctx, "item-1", []Blob{blob("a")})
	if n, err := s.DeleteSlot(ctx, "item-1", 0); err != nil || n != 0 {
		t.Fatalf("delete: %d %v", n, err)
	}
	it, _ := s.GetItem(ctx, "item-1")
	if it.HasPreview {
		t.Error("has_preview still set")
	}
}

func TestDeleteSlot_Missing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.DeleteSlot(context.Background(), "item-1", 3)
	if !errors.Is(err, preview.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestCommitPrimary(t *testing.T) {
	// WHAT: the primary save overwrites slot 0 and keeps the others.
	s := openTestStore(t)
	ctx := context.Background()

	res, err := s.CommitPrimary(ctx, "item-1", blob("a"))
	if err != nil || res.Slots != 1 {
		t.Fatalf("first primary: %+v %v", res, err)
	}
	s.Commit(ctx, "item-1", []Blob{blob("b")})

	if _, err := s.CommitPrimary(ctx, "item-1", blob("z")); err != nil {
		t.Fatal(err)
	}
	_, data, _ := s.Slot(ctx, "item-1", 0)
	if !bytes.Equal(data, blob("z").Data) {
		t.Errorf("slot 0 = %q", data)
	}
	if got := indices(t, s, "item-1"); fmt.Sprint(got) != "[0 1]" {
		t.Errorf("indices = %v", got)
	}

	// Promoting bytes held at index 1 moves them rather than duplicating.
	res, err = s.CommitPrimary(ctx, "item-1", blob("b"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Slots != 1 {
		t.Errorf("slots = %d, want 1", res.Slots)
	}
	var n int
	s.DB.QueryRow(`SELECT COUNT(*) FROM preview_blobs`).Scan(&n)
	if n != 1 {
		t.Errorf("blobs = %d, want 1", n)
	}
}

func TestReplace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.Commit(ctx, "item-1", []Blob{blob("a"), blob("b")})

	res, err := s.Replace(ctx, "item-1", []Blob{blob("b"), blob("c")})
	if err != nil {
		t.Fatal(err)
	}
	if res.SavedCount != 2 || res.Slots != 2 {
		t.Errorf("result = %+v", res)
	}
	_, data, _ := s.Slot(ctx, "item-1", 0)
	if !bytes.Equal(data, blob("b").Data) {
		t.Errorf("slot 0 = %q", data)
	}
	var n int
	s.DB.QueryRow(`SELECT COUNT(*) FROM preview_blobs`).Scan(&n)
	if n != 2 {
		t.Errorf("blobs = %d, want 2", n)
	}
}

func TestDeleteItem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.PutItem(ctx, "item-1", "https://www.pixiv.net/artworks/1")
	s.Commit(ctx, "item-1", []Blob{blob("a")})

	if err := s.DeleteItem(ctx, "item-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetItem(ctx, "item-1"); !errors.Is(err, preview.ErrNotFound) {
		t.Errorf("item still there: %v", err)
	}
	var n int
	s.DB.QueryRow(`SELECT COUNT(*) FROM preview_slots`).Scan(&n)
	if n != 0 {
		t.Errorf("slots = %d", n)
	}
	if err := s.DeleteItem(ctx, "item-1"); !errors.Is(err, preview.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestPutItem_KeepsSlots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.Commit(ctx, "item-1", []Blob{blob("a")})
	if err := s.PutItem(ctx, "item-1", "https://x.com/a/status/1"); err != nil {
		t.Fatal(err)
	}
	it, err := s.GetItem(ctx, "item-1")
	if err != nil {
		t.Fatal(err)
	}
	if it.Link != "https://x.com/a/status/1" || !it.HasPreview || it.Slots != 1 {
		t.Errorf("item = %+v", it)
	}
}

func TestCommit_Concurrent(t *testing.T) {
	// WHAT: concurrent commits on one item never share or skip an index.
	s := openTestStore(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Commit(ctx, "item-1", []Blob{blob(fmt.Sprint(i))})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	got := indices(t, s, "item-1")
	if len(got) != n {
		t.Fatalf("slots = %v", got)
	}
	for i, idx := range got {
		if idx != i {
			t.Fatalf("indices = %v", got)
		}
	}
	if len(s.locks) != 0 {
		t.Errorf("item locks leaked: %d", len(s.locks))
	}
}
