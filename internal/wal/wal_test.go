package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yogi/ldb-sub000/internal/record"
)

func mustEntry(t *testing.T, key, value string) record.Entry {
	t.Helper()
	e, err := record.New(key, value)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir, 1, 16, false, nil)
	if err != nil {
		t.Fatal(err)
	}

	entries := []record.Entry{
		mustEntry(t, "a", "1"),
		mustEntry(t, "b", "2"),
		mustEntry(t, "c", "3"),
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	var replayed []record.Entry
	err = Replay(dir, 1, nil, func(e record.Entry) error {
		replayed = append(replayed, e)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(replayed) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(replayed))
	}
	for i, e := range entries {
		if replayed[i].Key != e.Key || replayed[i].Value != e.Value {
			t.Fatalf("entry %d mismatch: got %+v, want %+v", i, replayed[i], e)
		}
	}
}

func TestReplayToleratesTruncatedTrailingRecord(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir, 1, 16, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(mustEntry(t, "a", "1")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// Append a deliberately truncated trailing record.
	f, err := os.OpenFile(filepath.Join(dir, FileName(1)), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{1, 0, 3, 'x'}); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	var replayed []record.Entry
	err = Replay(dir, 1, nil, func(e record.Entry) error {
		replayed = append(replayed, e)
		return nil
	})
	if err != nil {
		t.Fatalf("expected truncated trailing record to be tolerated, got error: %v", err)
	}
	if len(replayed) != 1 {
		t.Fatalf("expected the one well-formed record to survive, got %d", len(replayed))
	}
}

func TestExistingGenerationsSortedAscending(t *testing.T) {
	dir := t.TempDir()

	for _, gen := range []uint64{3, 1, 2} {
		w, err := Open(dir, gen, 1, false, nil)
		if err != nil {
			t.Fatal(err)
		}
		w.Close()
	}

	gens, err := ExistingGenerations(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{1, 2, 3}
	if len(gens) != len(want) {
		t.Fatalf("expected %v, got %v", want, gens)
	}
	for i := range want {
		if gens[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, gens)
		}
	}
}

func TestAppendBlocksUntilDurable(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1, 1, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Append(mustEntry(t, "a", "1")); err != nil {
		t.Fatal(err)
	}
	if w.TotalBytes() == 0 {
		t.Fatal("expected totalBytes to reflect the completed append")
	}
}

func TestConcurrentAppends(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1, 4, false, nil)
	if err != nil {
		t.Fatal(err)
	}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := mustEntry(t, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
			if err := w.Append(e); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	count := 0
	err = Replay(dir, 1, nil, func(record.Entry) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != n {
		t.Fatalf("expected %d replayed entries, got %d", n, count)
	}
}

func TestCloseUnblocksPendingAppends(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1, 1, false, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Append(mustEntry(t, "a", "1")); err != nil {
		t.Fatal(err)
	}
	w.Close()

	done := make(chan error, 1)
	go func() {
		done <- w.Append(mustEntry(t, "b", "2"))
	}()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("append blocked after close")
	}
}

func TestRemoveDeletesFile(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1, 1, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(mustEntry(t, "a", "1")); err != nil {
		t.Fatal(err)
	}
	path := w.Path()

	if err := w.Remove(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected wal file to be removed, stat err: %v", err)
	}
}
