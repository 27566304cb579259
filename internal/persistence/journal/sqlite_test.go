package journal

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/SakuraServer/Transporter/internal/transfer"
)

func openTest(t *testing.T) (*SQLiteJournal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal", "transfers.sqlite")
	j, err := OpenSQLite(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func outcome(trace, result string, at time.Time) transfer.Outcome {
	return transfer.Outcome{
		Trace:       trace,
		LocalID:     1,
		RemoteID:    7,
		Direction:   "outbound",
		Traveler:    "player 'alice'",
		Destination: "'beta.world.arrival'",
		Result:      result,
		Reason:      "ok",
		At:          at,
	}
}

func TestSQLiteJournal_RecordAndRecent(t *testing.T) {
	j, _ := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	j.Record(outcome("t1", transfer.ResultArrived, base))
	j.Record(outcome("t2", transfer.ResultDenied, base.Add(time.Second)))
	j.Record(outcome("t3", transfer.ResultTimeout, base.Add(2*time.Second)))
	if err := j.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("recent len=%d want=2", len(got))
	}
	if got[0].Trace != "t3" || got[1].Trace != "t2" {
		t.Fatalf("order: %s %s", got[0].Trace, got[1].Trace)
	}
	if !got[0].At.Equal(base.Add(2*time.Second)) || got[0].RemoteID != 7 || got[0].Destination != "'beta.world.arrival'" {
		t.Fatalf("row mismatch: %+v", got[0])
	}

	counts, err := j.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[transfer.ResultArrived] != 1 || counts[transfer.ResultDenied] != 1 || counts[transfer.ResultTimeout] != 1 {
		t.Fatalf("counts: %v", counts)
	}
}

func TestSQLiteJournal_TraceAndReopen(t *testing.T) {
	j, path := openTest(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	j.Record(outcome("same", transfer.ResultEvicted, now))
	j.Record(outcome("other", transfer.ResultArrived, now))
	j.Record(outcome("same", transfer.ResultArrived, now.Add(time.Second)))
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	j.Record(outcome("late", transfer.ResultArrived, now))

	j2, err := OpenSQLite(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	got, err := j2.Trace(ctx, "same")
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if len(got) != 2 || got[0].Result != transfer.ResultEvicted || got[1].Result != transfer.ResultArrived {
		t.Fatalf("trace rows: %+v", got)
	}
	all, err := j2.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("recorded after close: got %d rows want 3", len(all))
	}
}

func TestSQLiteJournal_QueueDropStats(t *testing.T) {
	j := &SQLiteJournal{ch: make(chan req, 1), log: log.New(io.Discard, "", 0)}
	j.Record(outcome("a", transfer.ResultArrived, time.Time{}))
	j.Record(outcome("b", transfer.ResultArrived, time.Time{}))

	st := j.Stats()
	if st.DropTotal != 1 {
		t.Fatalf("DropTotal=%d want=1", st.DropTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteJournal_CloseWhileRecording(t *testing.T) {
	j, _ := openTest(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 500; n++ {
				j.Record(outcome("busy", transfer.ResultArrived, time.Time{}))
				if n%50 == 0 {
					if err := j.Flush(ctx); err != nil && !errors.Is(err, ErrClosed) {
						t.Errorf("flush: %v", err)
						return
					}
				}
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	wg.Wait()

	j.Record(outcome("late", transfer.ResultArrived, time.Time{}))
	if err := j.Flush(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("flush after close: got %v want ErrClosed", err)
	}
}
