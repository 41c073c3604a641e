package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rateswap/core/events"
)

const subscriberBuffer = 64

// Journal persists every ledger event and fans the stored record out to live
// subscribers. It implements events.Emitter.
type Journal struct {
	store  *Storage
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	subs    map[uint64]chan StoredEvent
	nextSub uint64
}

// NewJournal wraps store. A nil clock uses time.Now.
func NewJournal(store *Storage, logger *slog.Logger, now func() time.Time) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Journal{store: store, logger: logger, now: now, subs: make(map[uint64]chan StoredEvent)}
}

// Emit implements events.Emitter. Storage failures are logged; the ledger
// state change has already committed.
func (j *Journal) Emit(evt events.Event) {
	flat := events.Flatten(evt)
	if flat == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	stored, err := j.store.AppendEvent(context.Background(), flat, j.now())
	if err != nil {
		j.logger.Error("journal: append event", slog.String("type", flat.Type), slog.Any("error", err))
		return
	}
	for id, ch := range j.subs {
		select {
		case ch <- stored:
		default:
			j.logger.Warn("journal: subscriber lagging, event dropped",
				slog.Uint64("subscriber", id),
				slog.Int64("seq", stored.Seq))
		}
	}
}

// Subscribe registers a live subscriber and returns the journaled backlog
// after afterSeq. Events are never delivered twice across backlog and stream.
func (j *Journal) Subscribe(ctx context.Context, afterSeq int64) (<-chan StoredEvent, func(), []StoredEvent, error) {
	j.mu.Lock()
	backlog, err := j.store.ListEvents(ctx, EventFilter{AfterSeq: afterSeq})
	if err != nil {
		j.mu.Unlock()
		return nil, nil, nil, fmt.Errorf("journal backlog: %w", err)
	}
	updates := make(chan StoredEvent, subscriberBuffer)
	id := j.nextSub
	j.nextSub++
	j.subs[id] = updates
	j.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			j.mu.Lock()
			if sub, ok := j.subs[id]; ok {
				delete(j.subs, id)
				close(sub)
			}
			j.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog, nil
}

// Subscribers reports the number of live subscribers.
func (j *Journal) Subscribers() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.subs)
}

// List reads journaled events without subscribing.
func (j *Journal) List(ctx context.Context, filter EventFilter) ([]StoredEvent, error) {
	return j.store.ListEvents(ctx, filter)
}
