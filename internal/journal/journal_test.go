package journal

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/testutil/testlog"
)

func payloadFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("frame-%d", seq))
}

func exerciseJournal(t *testing.T, j Journal) {
	t.Helper()
	src := frame.SourceKrakenCollector
	for seq := uint64(1); seq <= 20; seq++ {
		if seq == 12 {
			continue
		}
		if err := j.Append(src, seq, payloadFor(seq)); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}

	frames, ok := j.Range(src, 3, 7)
	if !ok || len(frames) != 5 {
		t.Fatalf("range 3..7: ok=%v len=%d", ok, len(frames))
	}
	for i, raw := range frames {
		if string(raw) != string(payloadFor(uint64(3+i))) {
			t.Fatalf("range order mismatch at %d: %s", i, raw)
		}
	}
	if _, ok := j.Range(src, 10, 14); ok {
		t.Fatalf("range with a hole should miss")
	}
	if _, ok := j.Range(src, 19, 25); ok {
		t.Fatalf("range past the end should miss")
	}
	if _, ok := j.Range(frame.SourceBinanceCollector, 1, 2); ok {
		t.Fatalf("unknown source should miss")
	}
	if _, ok := j.Range(src, 5, 4); ok {
		t.Fatalf("inverted range should miss")
	}
	single, ok := j.Range(src, 20, 20)
	if !ok || len(single) != 1 {
		t.Fatalf("single range: ok=%v", ok)
	}
}

func TestMemoryJournal(t *testing.T) {
	testlog.Start(t)
	j := NewMemory(64)
	defer j.Close()
	exerciseJournal(t, j)
}

func TestMemoryJournalEvictsOldestPerSource(t *testing.T) {
	testlog.Start(t)
	j := NewMemory(4)
	src := frame.SourceBinanceCollector
	for seq := uint64(1); seq <= 10; seq++ {
		_ = j.Append(src, seq, payloadFor(seq))
	}
	if _, ok := j.Range(src, 6, 7); ok {
		t.Fatalf("evicted sequences should miss")
	}
	if frames, ok := j.Range(src, 7, 10); !ok || len(frames) != 4 {
		t.Fatalf("newest window should hit: ok=%v", ok)
	}
	if _, ok := j.Range(src, 5, 10); ok {
		t.Fatalf("range wider than capacity should miss")
	}
	_ = j.Close()
	if err := j.Append(src, 11, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSQLiteJournal(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenSQLite(path, 1000)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	exerciseJournal(t, j)
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(path, 1000)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer reopened.Close()
	if frames, ok := reopened.Range(frame.SourceKrakenCollector, 1, 11); !ok || len(frames) != 11 {
		t.Fatalf("frames should survive reopen: ok=%v", ok)
	}
}

func TestSQLiteJournalPrunesPastRetention(t *testing.T) {
	testlog.Start(t)
	j, err := OpenSQLite(filepath.Join(t.TempDir(), "prune.db"), 100)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer j.Close()
	src := frame.SourceRiskManager
	for seq := uint64(1); seq <= pruneEvery; seq++ {
		if err := j.Append(src, seq, []byte{1}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	n, err := j.Count(src)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n > 101 {
		t.Fatalf("expected prune to retention, have %d rows", n)
	}
	if _, ok := j.Range(src, 1, 5); ok {
		t.Fatalf("pruned range should miss")
	}
}

func TestOpenByKind(t *testing.T) {
	testlog.Start(t)
	j, err := Open(Config{Kind: KindNone})
	if err != nil {
		t.Fatalf("open none: %v", err)
	}
	if _, ok := j.Range(frame.SourceTest, 1, 1); ok {
		t.Fatalf("nop journal should miss")
	}
	if j, err := Open(DefaultConfig()); err != nil {
		t.Fatalf("open default: %v", err)
	} else if _, ok := j.(*Memory); !ok {
		t.Fatalf("default journal should be memory, got %T", j)
	}
	if _, err := Open(Config{Kind: "redis"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
