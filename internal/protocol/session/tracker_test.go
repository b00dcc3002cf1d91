package session

import (
	"testing"
	"time"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	"github.com/danmuck/tlvrelay/internal/protocol/payload"
	"github.com/danmuck/tlvrelay/internal/testutil/testlog"
)

func TestTrackerInOrderDuplicateGapAndFill(t *testing.T) {
	testlog.Start(t)
	tr := NewTracker(GapPolicy{MaxRetransmit: 10})
	src := frame.SourceBinanceCollector

	if obs := tr.Observe(src, 5); obs.Outcome != InOrder {
		t.Fatalf("first observation: %v", obs.Outcome)
	}
	if obs := tr.Observe(src, 6); obs.Outcome != InOrder {
		t.Fatalf("next observation: %v", obs.Outcome)
	}
	if obs := tr.Observe(src, 6); obs.Outcome != Duplicate || obs.Deliver() {
		t.Fatalf("repeat observation: %v", obs.Outcome)
	}
	obs := tr.Observe(src, 10)
	if obs.Outcome != GapDetected || obs.Gap != (Gap{Source: src, Start: 7, End: 9}) {
		t.Fatalf("gap observation: %+v", obs)
	}
	if tr.Policy().RequestType(obs.Gap) != payload.RecoveryRetransmit {
		t.Fatalf("small gap should retransmit")
	}
	if tr.Missing(src) != 3 {
		t.Fatalf("missing=%d", tr.Missing(src))
	}
	for _, seq := range []uint64{7, 8, 9} {
		if o := tr.Observe(src, seq); o.Outcome != Filled || !o.Deliver() {
			t.Fatalf("fill %d: %v", seq, o.Outcome)
		}
	}
	if o := tr.Observe(src, 8); o.Outcome != Duplicate {
		t.Fatalf("refill should be duplicate: %v", o.Outcome)
	}
	if last, _ := tr.Last(src); last != 10 {
		t.Fatalf("last=%d", last)
	}
	st := tr.Stats()
	if st.InOrder != 2 || st.Duplicates != 2 || st.Gaps != 1 || st.Filled != 3 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestTrackerLargeGapUsesSnapshot(t *testing.T) {
	testlog.Start(t)
	tr := NewTracker(GapPolicy{MaxRetransmit: 4})
	src := frame.SourceRiskManager
	tr.Observe(src, 1)
	obs := tr.Observe(src, 100)
	if tr.Policy().RequestType(obs.Gap) != payload.RecoverySnapshot {
		t.Fatalf("large gap should request snapshot")
	}
	if tr.Missing(src) != 0 {
		t.Fatalf("snapshot gaps are not tracked per sequence")
	}
	tr.ApplySnapshot(src, 150)
	if o := tr.Observe(src, 120); o.Outcome != Duplicate {
		t.Fatalf("sequence covered by snapshot: %v", o.Outcome)
	}
	if o := tr.Observe(src, 151); o.Outcome != InOrder {
		t.Fatalf("after snapshot: %v", o.Outcome)
	}
}

func TestTrackerSourcesAreIndependent(t *testing.T) {
	testlog.Start(t)
	tr := NewTracker(GapPolicy{MaxRetransmit: 4})
	tr.Observe(frame.SourceKrakenCollector, 1)
	tr.Observe(frame.SourceBinanceCollector, 50)
	if o := tr.Observe(frame.SourceKrakenCollector, 2); o.Outcome != InOrder {
		t.Fatalf("kraken: %v", o.Outcome)
	}
	if o := tr.Observe(frame.SourceBinanceCollector, 51); o.Outcome != InOrder {
		t.Fatalf("binance: %v", o.Outcome)
	}
}

func TestPendingRecoveryLifecycle(t *testing.T) {
	testlog.Start(t)
	o := NewPendingRecovery()
	now := time.Unix(1700000000, 0)
	src := frame.SourceKrakenCollector
	o.Upsert(payload.RecoveryRequest{ConsumerID: 1, Source: src, RequestType: payload.RecoveryRetransmit, Start: 7, End: 9}, now, time.Second)
	merged := o.Upsert(payload.RecoveryRequest{ConsumerID: 1, Source: src, RequestType: payload.RecoveryRetransmit, Start: 12, End: 14}, now, time.Second)
	if merged.Request.Start != 7 || merged.Request.End != 14 || !merged.Covers(13) || merged.Covers(15) {
		t.Fatalf("merge: %+v", merged.Request)
	}
	if !merged.QueuedAt.Equal(now) {
		t.Fatalf("queued time should be preserved")
	}

	item, ok := o.MarkAttempt(src, now.Add(time.Second), time.Second, "timeout")
	if !ok || item.Attempts != 1 || item.LastError != "timeout" {
		t.Fatalf("mark attempt: %+v ok=%v", item, ok)
	}
	if got := o.Expired(now.Add(1500 * time.Millisecond)); len(got) != 0 {
		t.Fatalf("request should not be expired yet")
	}
	if got := o.Expired(now.Add(3 * time.Second)); len(got) != 1 {
		t.Fatalf("expected one expired request, got %d", len(got))
	}

	tr := NewTracker(GapPolicy{MaxRetransmit: 10})
	tr.Observe(src, 6)
	tr.Observe(src, 10)
	tr.Observe(src, 11)
	tr.Observe(src, 15)
	for _, seq := range []uint64{7, 8, 9} {
		tr.Observe(src, seq)
	}
	if _, open := o.Resolve(src, tr); !open || o.Len() != 1 {
		t.Fatalf("partial fill should not resolve")
	}
	for _, seq := range []uint64{12, 13, 14} {
		tr.Observe(src, seq)
	}
	if _, open := o.Resolve(src, tr); open || o.Len() != 0 {
		t.Fatalf("request should resolve once nothing in range is missing")
	}
}

func TestResolveNarrowsToWhatIsStillMissing(t *testing.T) {
	testlog.Start(t)
	tr := NewTracker(GapPolicy{MaxRetransmit: 100})
	o := NewPendingRecovery()
	now := time.Unix(1700000000, 0)
	src := frame.SourceBinanceCollector

	tr.Observe(src, 1)
	obs := tr.Observe(src, 50)
	o.Upsert(payload.RecoveryRequest{Source: src, RequestType: payload.RecoveryRetransmit, Start: obs.Gap.Start, End: obs.Gap.End}, now, time.Second)
	o.MarkAttempt(src, now, time.Second, "")

	// A replay that lost 20..30 in transit.
	for seq := uint64(2); seq <= 49; seq++ {
		if seq >= 20 && seq <= 30 {
			continue
		}
		tr.Observe(src, seq)
	}
	if lo, hi, n := tr.MissingIn(src, 2, 49); lo != 20 || hi != 30 || n != 11 {
		t.Fatalf("missing in range: lo=%d hi=%d n=%d", lo, hi, n)
	}
	item, open := o.Resolve(src, tr)
	if !open || item.Request.Start != 20 || item.Request.End != 30 {
		t.Fatalf("narrowed request: %+v open=%v", item.Request, open)
	}
	if item.Attempts != 1 {
		t.Fatalf("narrowing should keep attempts, got %d", item.Attempts)
	}
	if got, _ := o.Get(src); got.Request.Start != 20 || got.Request.End != 30 {
		t.Fatalf("stored request not narrowed: %+v", got.Request)
	}

	snap := NewPendingRecovery()
	snap.Upsert(payload.RecoveryRequest{Source: src, RequestType: payload.RecoverySnapshot, Start: 1, End: 5000}, now, time.Second)
	if _, open := snap.Resolve(src, tr); !open {
		t.Fatalf("snapshot requests resolve only on a snapshot")
	}
}
