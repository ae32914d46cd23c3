package playbook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EventPublisher receives one event per attempted playbook operation.
// Implementations must be non-blocking best-effort; publish failures never
// affect the applied batch.
type EventPublisher interface {
	PublishOperation(ctx context.Context, logRow *OperationLog)
}

// Applier applies extracted insight batches to the store. All mutations for
// one conversation go through a per-conversation lock so concurrent
// feedback cannot race the capacity check.
type Applier struct {
	store     *Store
	publisher EventPublisher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewApplier builds an applier over the store. publisher may be nil.
func NewApplier(store *Store, publisher EventPublisher) *Applier {
	return &Applier{
		store:     store,
		publisher: publisher,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (a *Applier) lockFor(cid string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[cid]
	if !ok {
		l = &sync.Mutex{}
		a.locks[cid] = l
	}
	return l
}

// BatchResult summarizes one applied batch. Entries holds only inserted
// and updated rows; deletes count toward Applied but produce no entry.
type BatchResult struct {
	Entries []*Entry
	Applied int
	Failed  int
}

// Apply runs each insight as its own transaction: the entry mutation and
// its audit row commit or roll back together. A failed intent logs a
// failure row and the batch continues.
func (a *Applier) Apply(ctx context.Context, cid string, insights []Insight, sourceFeedback, llmResponse string) (*BatchResult, error) {
	lock := a.lockFor(cid)
	lock.Lock()
	defer lock.Unlock()

	activeCount, err := a.store.ActiveCount(ctx, cid)
	if err != nil {
		return nil, fmt.Errorf("count playbook entries: %w", err)
	}

	result := &BatchResult{}
	for _, in := range insights {
		entry, delta, skipped, opErr := a.applyOne(ctx, cid, in, sourceFeedback, llmResponse, activeCount)
		if opErr != nil {
			slog.Error("playbook operation failed", "cid", cid, "operation", in.Operation, "key", in.Key, "error", opErr)
			result.Failed++
			continue
		}
		if skipped {
			result.Failed++
			continue
		}
		activeCount += delta
		result.Applied++
		if entry != nil {
			result.Entries = append(result.Entries, entry)
		}
	}

	slog.Info("playbook batch applied", "cid", cid, "applied", result.Applied, "failed", result.Failed, "active", activeCount, "max", a.store.MaxEntries())
	return result, nil
}

// applyOne runs a single intent in its own transaction. delta is the change
// to the live active-entry count (+1 insert, -1 effective delete); skipped
// marks a capacity-limited insert that was logged but not applied.
func (a *Applier) applyOne(ctx context.Context, cid string, in Insight, sourceFeedback, llmResponse string, activeCount int) (entry *Entry, delta int, skipped bool, err error) {
	if in.Operation == OpInsert && activeCount >= a.store.MaxEntries() {
		slog.Warn("playbook limit reached, skipping insert", "cid", cid, "key", in.Key, "max", a.store.MaxEntries())
		a.recordFailure(ctx, cid, in, sourceFeedback, llmResponse,
			fmt.Sprintf("Playbook limit reached (%d entries)", a.store.MaxEntries()))
		return nil, 0, true, nil
	}

	tx, err := a.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, false, fmt.Errorf("begin tx: %w", err)
	}

	entry, delta, opErr := a.runOperation(ctx, tx, cid, in, sourceFeedback)

	logRow := &OperationLog{
		CID:            cid,
		Operation:      in.Operation,
		ExtractedData:  in.payloadJSON(),
		Success:        opErr == nil,
		SourceFeedback: sourceFeedback,
		LLMResponse:    llmResponse,
		Timestamp:      time.Now().UTC(),
	}
	if opErr != nil {
		logRow.ErrorMessage = opErr.Error()
	}
	if entry != nil {
		logRow.EntryID = &entry.ID
	}

	if opErr != nil {
		tx.Rollback()
		// The entry mutation rolled back; record the failure outside the
		// dead transaction so the audit trail survives.
		if err := a.store.LogOperation(ctx, logRow); err != nil {
			slog.Error("failed to log failed operation", "cid", cid, "error", err)
		}
		a.publish(ctx, logRow)
		return nil, 0, false, opErr
	}

	if err := a.store.logOperationIn(ctx, tx, logRow); err != nil {
		tx.Rollback()
		return nil, 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, false, fmt.Errorf("commit: %w", err)
	}

	a.publish(ctx, logRow)
	return entry, delta, false, nil
}

func (a *Applier) runOperation(ctx context.Context, tx *sql.Tx, cid string, in Insight, sourceFeedback string) (*Entry, int, error) {
	switch in.Operation {
	case OpInsert:
		entry, err := a.store.insertIn(ctx, tx, cid, in, sourceFeedback)
		if err != nil {
			return nil, 0, err
		}
		if entry.Version == 1 {
			return entry, 1, nil
		}
		// Insert collapsed into an update of an existing key.
		return entry, 0, nil
	case OpUpdate:
		entry, err := a.store.updateIn(ctx, tx, cid, in, sourceFeedback)
		if err != nil {
			return nil, 0, err
		}
		if entry.Version == 1 {
			// Update fell through to insert; it consumed a slot.
			return entry, 1, nil
		}
		return entry, 0, nil
	case OpDelete:
		deleted, err := a.store.deleteIn(ctx, tx, cid, in.Key)
		if err != nil {
			return nil, 0, err
		}
		if deleted {
			return nil, -1, nil
		}
		return nil, 0, nil
	default:
		return nil, 0, errors.New("unknown operation: " + in.Operation)
	}
}

func (a *Applier) recordFailure(ctx context.Context, cid string, in Insight, sourceFeedback, llmResponse, message string) {
	logRow := &OperationLog{
		CID:            cid,
		Operation:      in.Operation,
		ExtractedData:  in.payloadJSON(),
		Success:        false,
		ErrorMessage:   message,
		SourceFeedback: sourceFeedback,
		LLMResponse:    llmResponse,
		Timestamp:      time.Now().UTC(),
	}
	if err := a.store.LogOperation(ctx, logRow); err != nil {
		slog.Error("failed to log skipped operation", "cid", cid, "error", err)
	}
	a.publish(ctx, logRow)
}

func (a *Applier) publish(ctx context.Context, logRow *OperationLog) {
	if a.publisher == nil {
		return
	}
	a.publisher.PublishOperation(ctx, logRow)
}
