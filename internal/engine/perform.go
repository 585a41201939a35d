package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/alexjbarnes/list-sync/internal/api"
	syncerrors "github.com/alexjbarnes/list-sync/internal/errors"
	"github.com/alexjbarnes/list-sync/internal/models"
	"github.com/alexjbarnes/list-sync/internal/state"
	"github.com/google/uuid"
)

// Result describes how Perform handled an action.
type Result struct {
	// Queued is true when the action was stored for later replay.
	Queued  bool   `json:"queued"`
	QueueID uint64 `json:"queue_id,omitempty"`
	// Status is the server's HTTP status when the request was sent.
	Status int    `json:"status,omitempty"`
	TempID string `json:"temp_id,omitempty"`
}

// Perform applies a user mutation. The local mark and the optimistic
// deltas are recorded before the request goes out, so the echo
// notification cannot outrun them. Offline, or when the request fails in
// transit, the action is queued for replay and the optimistic state is
// kept. Structural section changes are refused while offline.
func (e *Engine) Perform(ctx context.Context, a Action) (Result, error) {
	if err := a.Validate(); err != nil {
		return Result{}, err
	}

	online := e.conn.Online()

	if a.Structural() && !online {
		return Result{}, e.block(a)
	}

	// An action on an item whose create is still queued can only be
	// queued behind it.
	awaitingCreate := false
	if a.refersToTemp() {
		ok, err := e.resolveTemp(&a)
		if err != nil {
			return Result{}, err
		}

		awaitingCreate = !ok
	}

	var tempID string
	if a.Type == CreateItem {
		tempID = uuid.NewString()
	}

	req := a.Request()

	e.mark(a)

	for _, d := range deltasFor(a, tempID) {
		e.presenter.ApplyDelta(d)
	}

	if online && !awaitingCreate {
		status, err := e.send(ctx, a, req, tempID)
		if err == nil {
			return e.handleResponse(a, req, tempID, status)
		}

		e.logger.Warn("request failed in transit",
			slog.String("type", string(a.Type)),
			slog.String("url", req.URL),
			slog.String("error", err.Error()),
		)
	}

	if a.Structural() {
		return Result{}, e.block(a)
	}

	return e.enqueue(a, req, tempID)
}

// resolveTemp swaps a's temp id for the server id when the create has
// been confirmed. It returns false when the create is still queued, and
// an error when the temp id is unknown.
func (e *Engine) resolveTemp(a *Action) (bool, error) {
	m, ok, err := e.store.ResolveTempID(a.TempID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", a.Type, err)
	}

	if ok {
		a.ItemID = m.ID
		return true, nil
	}

	pending, err := e.store.ListPending()
	if err != nil {
		return false, fmt.Errorf("%s: %w", a.Type, err)
	}

	for _, qa := range pending {
		if qa.Type == string(CreateItem) && qa.TempID == a.TempID {
			return false, nil
		}
	}

	return false, fmt.Errorf("%w: %s: unknown temp_id %s", syncerrors.ErrInvalidAction, a.Type, a.TempID)
}

// send issues req. A confirmed create records its server id so later
// actions naming the temp id can be resolved.
func (e *Engine) send(ctx context.Context, a Action, req api.Request, tempID string) (int, error) {
	if a.Type != CreateItem {
		return e.server.Do(ctx, req)
	}

	status, id, err := e.server.Create(ctx, req)
	if err == nil && id > 0 {
		e.confirmCreate(tempID, id)
	}

	return status, err
}

// confirmCreate records the server id of the item created under tempID
// and gives the cached and rendered copies that id.
func (e *Engine) confirmCreate(tempID string, id int64) {
	log := e.logger.With(slog.String("temp_id", tempID), slog.Int64("id", id))

	if err := e.store.MapTempID(tempID, id); err != nil {
		log.Warn("recording created item id", slog.String("error", err.Error()))
	}

	if err := e.updateCached(Action{Type: EditItem, TempID: tempID}, func(it *models.Item) {
		it.ID = id
		it.TempID = ""
	}); err != nil {
		log.Debug("confirming cached item", slog.String("error", err.Error()))
	}

	e.presenter.ApplyDelta(Delta{Op: DeltaConfirm, ItemID: id, TempID: tempID})
	log.Debug("create confirmed")
}

func (e *Engine) handleResponse(a Action, req api.Request, tempID string, status int) (Result, error) {
	res := Result{Status: status, TempID: tempID}

	switch api.Classify(status) {
	case api.OutcomeOK:
		e.RequestRefresh(RefreshStats)
		return res, nil

	case api.OutcomeNotFound:
		// Someone else removed the target. The list refresh drops the
		// optimistic change.
		e.logger.Info("action target gone",
			slog.String("type", string(a.Type)),
			slog.Int64("id", a.entityID()),
		)
		e.RequestRefresh(RefreshList | RefreshStats)

		return res, nil

	case api.OutcomeTransient:
		if a.Structural() {
			return res, e.block(a)
		}

		e.logger.Warn("server unavailable, queueing",
			slog.String("type", string(a.Type)),
			slog.Int("status", status),
		)

		return e.enqueue(a, req, tempID)
	}

	e.presenter.Advise(Advisory{
		Level:   AdviseWarn,
		Code:    CodeRejected,
		Message: fmt.Sprintf("The server refused %s (status %d).", a.Type, status),
		At:      e.clock.Now(),
	})
	e.RequestRefresh(RefreshList | RefreshStats)

	return res, fmt.Errorf("%s: status %d: %w", a.Type, status, syncerrors.ErrServerRejected)
}

func (e *Engine) block(a Action) error {
	e.presenter.Advise(Advisory{
		Level:   AdviseWarn,
		Code:    CodeBlocked,
		Message: "Section changes need a connection to the server.",
		At:      e.clock.Now(),
	})

	return fmt.Errorf("%s: %w", a.Type, syncerrors.ErrActionBlocked)
}

func (e *Engine) enqueue(a Action, req api.Request, tempID string) (Result, error) {
	queuedTemp := tempID
	if a.refersToTemp() {
		queuedTemp = a.TempID
	}

	qa := state.QueuedAction{
		Type:      string(a.Type),
		EntityID:  a.entityID(),
		URL:       req.URL,
		Method:    req.Method,
		Headers:   req.Headers,
		Body:      req.Body,
		TempID:    queuedTemp,
		Timestamp: e.clock.Now().UnixMilli(),
	}

	id, err := e.store.Enqueue(qa)
	if err != nil {
		e.logger.Error("action lost",
			slog.String("type", qa.Type),
			slog.String("method", qa.Method),
			slog.String("url", qa.URL),
			slog.String("error", err.Error()),
		)
		e.presenter.Advise(Advisory{
			Level:   AdviseError,
			Code:    CodeLost,
			Message: "Offline storage is unavailable. This change could not be saved.",
			At:      e.clock.Now(),
		})

		return Result{}, fmt.Errorf("queueing %s: %w", a.Type, err)
	}

	e.logger.Debug("action queued",
		slog.String("type", qa.Type),
		slog.Uint64("id", id),
	)

	e.patchSnapshot(a, tempID)

	return Result{Queued: true, QueueID: id, TempID: tempID}, nil
}

// mark records the action's echo in the tracker. A reorder also marks the
// neighbour it swaps with, since the server reports both.
func (e *Engine) mark(a Action) {
	kind := a.Type.echoKind()
	if kind == "" || a.entityID() == 0 {
		return
	}

	e.tracker.Mark(string(kind), a.entityID())

	if a.Type != MoveItemOrder {
		return
	}

	sections, err := e.store.GetSections()
	if err != nil {
		return
	}

	si, ii := models.FindItem(sections, a.ItemID)
	if si < 0 {
		return
	}

	items := sections[si].Items
	if nb := models.Adjacent(items, ii, a.Direction); nb >= 0 {
		e.tracker.Mark(string(kind), items[nb].ID)
	}
}

// patchSnapshot applies a queued action to the cached snapshot so offline
// reads reflect it.
func (e *Engine) patchSnapshot(a Action, tempID string) {
	var err error

	switch a.Type {
	case ToggleItem:
		err = e.updateCached(a, func(it *models.Item) { it.Completed = !it.Completed })
	case ToggleUncertain:
		err = e.updateCached(a, func(it *models.Item) { it.Uncertain = !it.Uncertain })
	case EditItem:
		err = e.updateCached(a, func(it *models.Item) {
			it.Name = a.Name
			it.Description = a.Description
		})
	case DeleteItem:
		err = e.removeCached(a)
	case MoveItem:
		err = e.patchMove(a)
	case MoveItemOrder:
		err = e.patchReorder(a)
	case CreateItem:
		_, err = e.store.UpdateSection(a.SectionID, func(s *models.Section) {
			s.Items = append(s.Items, models.Item{
				SectionID:   a.SectionID,
				Name:        a.Name,
				Description: a.Description,
				SortOrder:   len(s.Items),
				TempID:      tempID,
			})
		})
	}

	if err != nil {
		e.logger.Debug("patching snapshot",
			slog.String("type", string(a.Type)),
			slog.String("temp_id", tempID),
			slog.String("error", err.Error()),
		)
	}
}

// locate finds the cached section holding a's target item.
func (e *Engine) locate(a Action) ([]models.Section, int, int, error) {
	sections, err := e.store.GetSections()
	if err != nil {
		return nil, -1, -1, err
	}

	si, ii := models.FindItem(sections, a.ItemID)
	if a.refersToTemp() {
		si, ii = models.FindTemp(sections, a.TempID)
	}

	return sections, si, ii, nil
}

func (e *Engine) updateCached(a Action, fn func(*models.Item)) error {
	if !a.refersToTemp() {
		_, err := e.store.UpdateItem(a.ItemID, fn)
		return err
	}

	sections, si, _, err := e.locate(a)
	if err != nil || si < 0 {
		return err
	}

	_, err = e.store.UpdateSection(sections[si].ID, func(s *models.Section) {
		for i := range s.Items {
			if a.targets(s.Items[i]) {
				fn(&s.Items[i])
			}
		}
	})

	return err
}

func (e *Engine) removeCached(a Action) error {
	if !a.refersToTemp() {
		_, err := e.store.RemoveItem(a.ItemID)
		return err
	}

	sections, si, _, err := e.locate(a)
	if err != nil || si < 0 {
		return err
	}

	_, err = e.store.UpdateSection(sections[si].ID, func(s *models.Section) {
		s.Items = slices.DeleteFunc(s.Items, a.targets)
	})

	return err
}

func (e *Engine) patchMove(a Action) error {
	sections, si, ii, err := e.locate(a)
	if err != nil || si < 0 {
		return err
	}

	item := sections[si].Items[ii]

	_, err = e.store.UpdateSection(sections[si].ID, func(s *models.Section) {
		s.Items = slices.DeleteFunc(s.Items, a.targets)
		if !models.Dense(s.Items) {
			models.Renumber(s.Items)
		}
	})
	if err != nil {
		return err
	}

	_, err = e.store.UpdateSection(a.SectionID, func(s *models.Section) {
		item.SectionID = a.SectionID
		item.SortOrder = len(s.Items)
		s.Items = append(s.Items, item)
	})

	return err
}

func (e *Engine) patchReorder(a Action) error {
	sections, si, _, err := e.locate(a)
	if err != nil || si < 0 {
		return err
	}

	_, err = e.store.UpdateSection(sections[si].ID, func(s *models.Section) {
		models.SwapMatching(s.Items, a.targets, a.Direction)
	})

	return err
}
