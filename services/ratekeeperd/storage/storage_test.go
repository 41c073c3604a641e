package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rateswap/core/events"
	"rateswap/core/num"
	"rateswap/core/types"
	"rateswap/native/oracle"
)

func openTestDB(t *testing.T) *Storage {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := Open(MemoryDSN(name))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordCommitsAndRestoreOrder(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	for i, rate := range []string{"0.04", "0.05", "0.06"} {
		commit := oracle.Commit{
			Rate:    num.MustDecimal(rate),
			At:      base.Add(time.Duration(i) * time.Hour),
			Sources: []string{"aave", "spark"},
			ProofID: "proof",
		}
		if err := store.RecordCommit(ctx, commit); err != nil {
			t.Fatalf("record commit: %v", err)
		}
	}
	samples, err := store.RecentCommits(ctx, 2)
	if err != nil {
		t.Fatalf("recent commits: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[0].Rate.String() != "0.05" || samples[1].Rate.String() != "0.06" {
		t.Fatalf("unexpected order: %s, %s", samples[0].Rate, samples[1].Rate)
	}
	if !samples[1].Timestamp.Equal(base.Add(2 * time.Hour)) {
		t.Fatalf("unexpected timestamp: %s", samples[1].Timestamp)
	}
	none, err := store.RecentCommits(ctx, 0)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no samples, got %d (%v)", len(none), err)
	}
}

func TestRecordObservation(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	obs := oracle.Observation{Source: "Aave", Rate: num.MustDecimal("0.05"), Timestamp: time.Now()}
	for i := 0; i < 3; i++ {
		if err := store.RecordObservation(ctx, obs); err != nil {
			t.Fatalf("record observation: %v", err)
		}
	}
	n, err := store.SampleCount(ctx, "aave")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 samples, got %d", n)
	}
}

func TestListEventsFilters(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	kinds := []string{events.TypePositionOpened, events.TypePositionSettled, events.TypePositionSettled}
	for i, kind := range kinds {
		evt := &types.Event{Type: kind, Attributes: map[string]string{"id": "1"}}
		stored, err := store.AppendEvent(ctx, evt, base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if stored.Seq != int64(i+1) {
			t.Fatalf("unexpected seq %d", stored.Seq)
		}
	}
	all, err := store.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Type != events.TypePositionOpened || all[0].Attributes["id"] != "1" {
		t.Fatalf("unexpected events: %+v", all)
	}
	if all[0].ID == all[1].ID {
		t.Fatalf("event ids must be unique")
	}
	settled, err := store.ListEvents(ctx, EventFilter{Type: events.TypePositionSettled})
	if err != nil || len(settled) != 2 {
		t.Fatalf("expected 2 settled events, got %d (%v)", len(settled), err)
	}
	since, err := store.ListEvents(ctx, EventFilter{Since: base.Add(90 * time.Second)})
	if err != nil || len(since) != 1 || since[0].Seq != 3 {
		t.Fatalf("unexpected since filter result: %+v (%v)", since, err)
	}
	after, err := store.ListEvents(ctx, EventFilter{AfterSeq: 1, Limit: 1})
	if err != nil || len(after) != 1 || after[0].Seq != 2 {
		t.Fatalf("unexpected cursor result: %+v (%v)", after, err)
	}
	if _, err := store.AppendEvent(ctx, &types.Event{}, base); err == nil {
		t.Fatalf("expected error for untyped event")
	}
}

func TestJournalBacklogAndStream(t *testing.T) {
	store := openTestDB(t)
	journal := NewJournal(store, nil, func() time.Time { return time.Unix(1_700_000_000, 0) })
	journal.Emit(events.ReserveFunded{From: types.BytesToAddress([]byte{1}), Amount: num.NewUint(5)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, unsubscribe, backlog, err := journal.Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()
	if len(backlog) != 1 || backlog[0].Type != events.TypeReserveFunded || backlog[0].Attributes["amount"] != "5" {
		t.Fatalf("unexpected backlog: %+v", backlog)
	}

	journal.Emit(events.RateCommitted{Rate: num.MustDecimal("0.05"), Sources: []string{"aave"}, ProofID: "p"})
	select {
	case evt := <-updates:
		if evt.Type != events.TypeRateCommitted || evt.Seq != 2 {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}

	unsubscribe()
	if journal.Subscribers() != 0 {
		t.Fatalf("expected subscriber removed")
	}
	if _, ok := <-updates; ok {
		t.Fatalf("expected closed channel")
	}
}

func TestFileDSN(t *testing.T) {
	if _, err := FileDSN("  "); err != ErrPathRequired {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
	dir := t.TempDir()
	dsn, err := FileDSN(filepath.Join(dir, "keeper.sqlite"))
	if err != nil {
		t.Fatalf("file dsn: %v", err)
	}
	if !strings.HasPrefix(dsn, "file:"+dir) {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("open file storage: %v", err)
	}
	defer store.Close()
	if _, err := store.AppendEvent(context.Background(), &types.Event{Type: "x"}, time.Now()); err != nil {
		t.Fatalf("append on file storage: %v", err)
	}
}
