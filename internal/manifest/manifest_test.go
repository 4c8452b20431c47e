package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRecordAndLive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest")

	m, err := Open(path, 1000, false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if err := m.Record([]Entry{{Level: 0, Num: 1}, {Level: 0, Num: 2}}, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Record([]Entry{{Level: 1, Num: 3}}, []Entry{{Level: 0, Num: 1}}); err != nil {
		t.Fatal(err)
	}

	live := m.Live()
	want := map[Entry]bool{{Level: 0, Num: 2}: true, {Level: 1, Num: 3}: true}
	if len(live) != len(want) {
		t.Fatalf("expected %d live entries, got %d: %v", len(want), len(live), live)
	}
	for _, e := range live {
		if !want[e] {
			t.Fatalf("unexpected live entry %v", e)
		}
	}
}

func TestReopenReplaysLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest")

	m, err := Open(path, 1000, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Record([]Entry{{Level: 0, Num: 1}}, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Record([]Entry{{Level: 1, Num: 2}}, []Entry{{Level: 0, Num: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, 1000, false)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	live := reopened.Live()
	if len(live) != 1 || live[0] != (Entry{Level: 1, Num: 2}) {
		t.Fatalf("expected single live entry level1/seg2, got %v", live)
	}
}

func TestCompactionRewritesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest")

	m, err := Open(path, 3, false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	for i := uint64(1); i <= 10; i++ {
		if err := m.Record([]Entry{{Level: 0, Num: i}}, nil); err != nil {
			t.Fatal(err)
		}
	}

	if m.lineCount > 3 {
		t.Fatalf("expected line count to reset after compaction, got %d", m.lineCount)
	}
	if len(m.Live()) != 10 {
		t.Fatalf("expected all 10 segments still live, got %d", len(m.Live()))
	}
}

func TestTruncatedTrailingLineTolerated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest")

	m, err := Open(path, 1000, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Record([]Entry{{Level: 0, Num: 1}}, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("+level0/se"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, 1000, false)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	live := reopened.Live()
	if len(live) != 1 || live[0] != (Entry{Level: 0, Num: 1}) {
		t.Fatalf("expected the one well-formed entry to survive, got %v", live)
	}
}
