package persistence

import (
	"context"
	"log/slog"
	"time"

	"slotrf/internal/bus"
)

const (
	// slotLogQueueDepth buffers roughly five seconds of traffic at one slot
	// update per 20 ms frame, or about a third of a second when every frame
	// carries all 16 slots.
	slotLogQueueDepth = 256
	// slotLogBatchMax caps how many queued updates fold into one insert
	// transaction.
	slotLogBatchMax = 32
	slotLogAttempts = 3
)

// SlotLogger mirrors slot-update bus events into the sqlite log. Updates are
// written in batched transactions off the poll loop; when the queue backs up
// the oldest entries are dropped and counted, the same overrun model the
// link itself uses (newest data wins, never back-pressure).
type SlotLogger struct {
	logger *slog.Logger
	repo   *SlotUpdateRepo
	queue  chan SlotUpdateRecord

	// dropped is only touched from the intake goroutine.
	dropped uint64
}

// StartSlotLog subscribes to slot updates and begins logging them, sweeping
// out records older than retention once an hour (retention <= 0 disables
// the sweep).
func StartSlotLog(ctx context.Context, logger *slog.Logger, b bus.MessageBus, repo *SlotUpdateRepo, retention time.Duration) *SlotLogger {
	w := &SlotLogger{
		logger: logger,
		repo:   repo,
		queue:  make(chan SlotUpdateRecord, slotLogQueueDepth),
	}

	sub := b.Subscribe(bus.TopicSlotUpdate)
	go w.runIntake(ctx, b, sub)
	go w.runWriter(ctx)
	if retention > 0 {
		go w.runRetention(ctx, retention)
	}
	return w
}

func (w *SlotLogger) runIntake(ctx context.Context, b bus.MessageBus, sub bus.Subscription) {
	defer b.Unsubscribe(sub, bus.TopicSlotUpdate)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			update, ok := raw.(bus.SlotUpdate)
			if !ok {
				continue
			}
			w.enqueue(SlotUpdateRecord{
				SlotIndex:  update.SlotIndex,
				Payload:    update.Data,
				ReceivedAt: update.ReceivedAt,
			})
		}
	}
}

func (w *SlotLogger) enqueue(rec SlotUpdateRecord) {
	for {
		select {
		case w.queue <- rec:
			return
		default:
		}
		// Full: shed the oldest queued record and retry so the log keeps
		// tracking the freshest traffic.
		select {
		case <-w.queue:
			w.dropped++
			if w.dropped%slotLogQueueDepth == 1 {
				w.logger.Warn("slot log backlogged, dropping oldest", "dropped", w.dropped)
			}
		default:
		}
	}
}

func (w *SlotLogger) runWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case first := <-w.queue:
			batch := append(make([]SlotUpdateRecord, 0, slotLogBatchMax), first)
		drain:
			for len(batch) < slotLogBatchMax {
				select {
				case rec := <-w.queue:
					batch = append(batch, rec)
				default:
					break drain
				}
			}
			w.flush(ctx, batch)
		}
	}
}

func (w *SlotLogger) flush(ctx context.Context, batch []SlotUpdateRecord) {
	for attempt := 1; attempt <= slotLogAttempts; attempt++ {
		err := w.repo.InsertBatch(ctx, batch)
		if err == nil {
			return
		}
		w.logger.Error("slot log write failed",
			"records", len(batch), "attempt", attempt, "error", err)
		if attempt == slotLogAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
		}
	}
}

func (w *SlotLogger) runRetention(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			deleted, err := w.repo.DeleteOlderThan(ctx, cutoff)
			if err != nil {
				w.logger.Error("slot log sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				w.logger.Debug("slot log swept", "deleted", deleted)
			}
		}
	}
}
