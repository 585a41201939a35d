package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/list-sync/internal/api"
	syncerrors "github.com/alexjbarnes/list-sync/internal/errors"
	"github.com/alexjbarnes/list-sync/internal/live"
	"github.com/alexjbarnes/list-sync/internal/state"
)

// replayOutcome is the fate of one queued action during a drain.
type replayOutcome int

const (
	// outcomeCleared: replayed successfully or the target is gone.
	outcomeCleared replayOutcome = iota
	// outcomeDiscarded: dropped unsent, because the server copy is newer
	// or the target item was never confirmed.
	outcomeDiscarded
	// outcomePending: the replay failed and the action stays queued.
	outcomePending
)

// drainRun is what one drain has learned so far.
type drainRun struct {
	// replayed holds entities this drain has already changed on the
	// server. Their updated_at now reflects our own replay, so it says
	// nothing about edits from other clients.
	replayed map[int64]bool
	// waiting holds temp ids whose create is still queued after this
	// drain tried it.
	waiting map[string]bool
}

func newDrainRun() *drainRun {
	return &drainRun{replayed: make(map[int64]bool), waiting: make(map[string]bool)}
}

// Drain replays the offline queue in enqueue order. It returns true when
// there was anything to replay, in which case it has already refreshed the
// snapshot cache and requested a list and stats refresh. A failure on one
// action never stops the rest, except that actions on an item whose create
// failed stay queued behind it. Only one drain runs at a time; a call that
// arrives mid-drain returns false immediately.
func (e *Engine) Drain(ctx context.Context) (bool, error) {
	if !e.draining.CompareAndSwap(false, true) {
		e.logger.Debug("drain already running")
		return false, nil
	}
	defer e.draining.Store(false)

	pending, err := e.store.ListPending()
	if err != nil {
		return false, fmt.Errorf("listing queue: %w", err)
	}

	if len(pending) == 0 {
		return false, nil
	}

	e.presenter.Advise(Advisory{
		Level:   AdviseInfo,
		Code:    CodeSyncing,
		Message: fmt.Sprintf("Syncing %d offline change(s).", len(pending)),
		At:      e.clock.Now(),
	})

	start := e.clock.Now()
	run := newDrainRun()

	var cleared, discarded, retained int

	for _, qa := range pending {
		switch e.replay(ctx, run, qa) {
		case outcomeCleared:
			cleared++
		case outcomeDiscarded:
			discarded++
		case outcomePending:
			retained++
		}
	}

	if err := e.CacheData(ctx); err != nil {
		e.logger.Warn("caching snapshot after drain", slog.String("error", err.Error()))
	}

	e.RequestRefresh(RefreshList | RefreshStats)

	e.logger.Info("queue drained",
		slog.Int("cleared", cleared),
		slog.Int("discarded", discarded),
		slog.Int("pending", retained),
		slog.Duration("elapsed", e.clock.Now().Sub(start)),
	)

	return true, nil
}

func (e *Engine) replay(ctx context.Context, run *drainRun, qa state.QueuedAction) replayOutcome {
	log := e.logger.With(
		slog.Uint64("queue_id", qa.ID),
		slog.String("type", qa.Type),
	)

	create := ActionType(qa.Type) == CreateItem

	// baseline is when the state this action was based on was current.
	baseline := qa.EnqueuedAt()

	if qa.TempID != "" && !create && qa.EntityID == 0 {
		m, ok, err := e.store.ResolveTempID(qa.TempID)
		switch {
		case err != nil:
			log.Warn("resolving temp id, keeping", slog.String("error", err.Error()))
			return outcomePending
		case !ok && run.waiting[qa.TempID]:
			log.Debug("create still queued, keeping", slog.String("temp_id", qa.TempID))
			return outcomePending
		case !ok:
			// The create left the queue without reporting an id, so
			// there is nothing to address this action to.
			log.Warn("created item never confirmed, clearing", slog.String("temp_id", qa.TempID))
			e.clear(log, qa)

			return outcomeDiscarded
		}

		qa.URL = resolvePath(qa.URL, qa.TempID, m.ID)
		qa.EntityID = m.ID

		if mapped := m.MappedTime(); mapped.After(baseline) {
			baseline = mapped
		}
	}

	if conflictChecked(qa.Type) && qa.EntityID > 0 && !run.replayed[qa.EntityID] {
		item, err := e.server.FetchItem(ctx, qa.EntityID)
		switch {
		case errors.Is(err, syncerrors.ErrNotFound):
			log.Info("target gone, clearing")
			e.clear(log, qa)

			return outcomeCleared
		case err != nil:
			// Without a version the replay goes ahead; the server
			// decides.
			log.Debug("version check failed", slog.String("error", err.Error()))
		case item.UpdatedAt > 0 && time.Unix(item.UpdatedAt, 0).After(baseline):
			e.reportConflict(qa, item)
			e.clear(log, qa)

			return outcomeDiscarded
		}
	}

	if kind := ActionType(qa.Type).echoKind(); kind != live.KindUnknown && qa.EntityID > 0 {
		e.tracker.Mark(string(kind), qa.EntityID)
	}

	req := api.Request{
		Method:  qa.Method,
		URL:     qa.URL,
		Headers: qa.Headers,
		Body:    qa.Body,
	}

	var (
		status    int
		createdID int64
		err       error
	)

	if create {
		status, createdID, err = e.server.Create(ctx, req)
	} else {
		status, err = e.server.Do(ctx, req)
	}

	if err != nil {
		log.Warn("replay failed, keeping", slog.String("error", err.Error()))
		run.hold(qa)

		return outcomePending
	}

	switch api.Classify(status) {
	case api.OutcomeOK:
		if create && qa.TempID != "" && createdID > 0 {
			e.confirmCreate(qa.TempID, createdID)
			run.replayed[createdID] = true
		}

		if qa.EntityID > 0 {
			run.replayed[qa.EntityID] = true
		}

		e.clear(log, qa)

		return outcomeCleared
	case api.OutcomeNotFound:
		e.clear(log, qa)
		return outcomeCleared
	}

	log.Warn("replay rejected, keeping", slog.Int("status", status))
	run.hold(qa)

	return outcomePending
}

// hold notes that qa stays queued. When qa is a create, the actions
// queued against its temp id have to wait for it.
func (r *drainRun) hold(qa state.QueuedAction) {
	if ActionType(qa.Type) == CreateItem && qa.TempID != "" {
		r.waiting[qa.TempID] = true
	}
}

func (e *Engine) clear(log *slog.Logger, qa state.QueuedAction) {
	if err := e.store.Clear(qa.ID); err != nil {
		log.Warn("clearing queued action", slog.String("error", err.Error()))
	}
}

// CacheData fetches the full snapshot and stores it for offline reads.
func (e *Engine) CacheData(ctx context.Context) error {
	snap, err := e.server.FetchData(ctx)
	if err != nil {
		return err
	}

	if err := e.store.SaveSections(snap.Sections); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}

	ts := snap.Timestamp
	if ts == 0 {
		ts = e.clock.Now().Unix()
	}

	if err := e.store.SetLastSync(ts); err != nil {
		return fmt.Errorf("saving last sync: %w", err)
	}

	return nil
}
