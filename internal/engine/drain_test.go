package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/list-sync/internal/api"
	syncerrors "github.com/alexjbarnes/list-sync/internal/errors"
	"github.com/alexjbarnes/list-sync/internal/models"
	"github.com/alexjbarnes/list-sync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// queue stores a for replay as if it had been performed offline at at.
func (h *harness) queue(t *testing.T, a Action, at time.Time) uint64 {
	t.Helper()

	req := a.Request()
	id, err := h.store.Enqueue(state.QueuedAction{
		Type:      string(a.Type),
		EntityID:  a.entityID(),
		URL:       req.URL,
		Method:    req.Method,
		Headers:   req.Headers,
		Body:      req.Body,
		Timestamp: at.UnixMilli(),
	})
	require.NoError(t, err)

	return id
}

func replayOf(a Action) api.Request {
	return a.Request()
}

func TestDrain_EmptyQueue(t *testing.T) {
	h := newHarness(t, true)

	drained, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.False(t, drained)
	assert.Empty(t, h.presenter.codes())
}

func TestDrain_ReplaysInEnqueueOrder(t *testing.T) {
	h := newHarness(t, true)
	sections := h.seed(t)

	create := Action{Type: CreateItem, SectionID: 2, Name: "Bagels"}
	move := Action{Type: MoveItem, ItemID: 44, SectionID: 1}
	remove := Action{Type: DeleteItem, ItemID: 44}

	// Insert out of time order: replay follows the enqueue timestamp.
	h.queue(t, remove, epoch.Add(3*time.Second))
	h.queue(t, create, epoch.Add(time.Second))
	h.queue(t, move, epoch.Add(2*time.Second))

	gomock.InOrder(
		h.server.EXPECT().Create(gomock.Any(), replayOf(create)).Return(http.StatusCreated, int64(0), nil),
		h.server.EXPECT().Do(gomock.Any(), replayOf(move)).Return(http.StatusOK, nil),
		h.server.EXPECT().Do(gomock.Any(), replayOf(remove)).Return(http.StatusOK, nil),
		h.server.EXPECT().FetchData(gomock.Any()).Return(snapshot(sections), nil),
	)

	drained, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, drained)
	assert.Empty(t, h.pending(t))
	assert.Equal(t, []string{CodeSyncing}, h.presenter.codes())

	lastSync, err := h.store.LastSync()
	require.NoError(t, err)
	assert.Equal(t, epoch.Unix(), lastSync)
}

func TestDrain_NotFoundClearsOnce(t *testing.T) {
	h := newHarness(t, true)

	h.queue(t, Action{Type: DeleteItem, ItemID: 9}, epoch)

	h.server.EXPECT().Do(gomock.Any(), gomock.Any()).Return(http.StatusNotFound, nil).Times(1)
	h.server.EXPECT().FetchData(gomock.Any()).Return(snapshot(nil), nil)

	drained, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, drained)
	assert.Empty(t, h.pending(t))

	drained, err = h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.False(t, drained, "a cleared not-found action is never retried")
}

func TestDrain_DiscardsWhenServerNewer(t *testing.T) {
	h := newHarness(t, true)

	queuedAt := epoch.Add(250 * time.Millisecond)
	h.queue(t, Action{Type: EditItem, ItemID: 43, Name: "Oat milk", Description: "1L"}, queuedAt)

	h.server.EXPECT().FetchItem(gomock.Any(), int64(43)).Return(&models.Item{
		ID:          43,
		Name:        "Whole milk",
		Description: "2L",
		UpdatedAt:   queuedAt.Unix() + 1,
	}, nil)
	h.server.EXPECT().FetchData(gomock.Any()).Return(snapshot(nil), nil)
	// No Do expectation: the replay must not be sent.

	drained, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, drained)
	assert.Empty(t, h.pending(t), "a discarded action leaves the queue")

	require.Equal(t, []string{CodeSyncing, CodeConflict}, h.presenter.codes())
	detail := h.presenter.advisories[1].Detail
	assert.Contains(t, detail, "Oat")
	assert.True(t, strings.HasPrefix(detail, "@@"), "detail is a patch: %q", detail)
}

func TestDrain_ReplaysWhenLocalNewer(t *testing.T) {
	h := newHarness(t, true)

	toggle := Action{Type: ToggleItem, ItemID: 42}
	h.queue(t, toggle, epoch)

	gomock.InOrder(
		h.server.EXPECT().FetchItem(gomock.Any(), int64(42)).Return(&models.Item{ID: 42, UpdatedAt: epoch.Add(-time.Minute).Unix()}, nil),
		h.server.EXPECT().Do(gomock.Any(), replayOf(toggle)).Return(http.StatusOK, nil),
		h.server.EXPECT().FetchData(gomock.Any()).Return(snapshot(nil), nil),
	)

	_, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.pending(t))
	assert.True(t, h.engine.tracker.IsLocal("item_toggled", 42), "replays are marked like local actions")
}

// The server stamps updated_at when it applies the first toggle, which
// must not make the second look like it lost to another client.
func TestDrain_SameItemTwiceReplaysBoth(t *testing.T) {
	h := newHarness(t, true)

	toggle := Action{Type: ToggleItem, ItemID: 42}
	h.queue(t, toggle, epoch)
	h.queue(t, toggle, epoch.Add(time.Second))

	gomock.InOrder(
		h.server.EXPECT().FetchItem(gomock.Any(), int64(42)).Return(&models.Item{ID: 42, UpdatedAt: epoch.Add(-time.Hour).Unix()}, nil),
		h.server.EXPECT().Do(gomock.Any(), replayOf(toggle)).Return(http.StatusOK, nil),
		h.server.EXPECT().Do(gomock.Any(), replayOf(toggle)).Return(http.StatusOK, nil),
		h.server.EXPECT().FetchData(gomock.Any()).Return(snapshot(nil), nil),
	)

	_, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.pending(t))
	assert.Equal(t, []string{CodeSyncing}, h.presenter.codes())
}

func TestDrain_ToggleThenEditKeepsEdit(t *testing.T) {
	h := newHarness(t, true)

	toggle := Action{Type: ToggleItem, ItemID: 43}
	edit := Action{Type: EditItem, ItemID: 43, Name: "Oat milk"}
	h.queue(t, toggle, epoch)
	h.queue(t, edit, epoch.Add(time.Second))

	gomock.InOrder(
		h.server.EXPECT().FetchItem(gomock.Any(), int64(43)).Return(&models.Item{ID: 43, UpdatedAt: epoch.Add(-time.Hour).Unix()}, nil),
		h.server.EXPECT().Do(gomock.Any(), replayOf(toggle)).Return(http.StatusOK, nil),
		h.server.EXPECT().Do(gomock.Any(), replayOf(edit)).Return(http.StatusOK, nil),
		h.server.EXPECT().FetchData(gomock.Any()).Return(snapshot(nil), nil),
	)

	_, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.pending(t))
	assert.NotContains(t, h.presenter.codes(), CodeConflict)
}

// A failed replay leaves the server copy untouched, so the next action on
// the same item is still version checked.
func TestDrain_FailedReplayStillChecksNext(t *testing.T) {
	h := newHarness(t, true)

	toggle := Action{Type: ToggleItem, ItemID: 42}
	h.queue(t, toggle, epoch)
	h.queue(t, toggle, epoch.Add(time.Second))

	older := &models.Item{ID: 42, UpdatedAt: epoch.Add(-time.Hour).Unix()}

	gomock.InOrder(
		h.server.EXPECT().FetchItem(gomock.Any(), int64(42)).Return(older, nil),
		h.server.EXPECT().Do(gomock.Any(), replayOf(toggle)).Return(http.StatusInternalServerError, nil),
		h.server.EXPECT().FetchItem(gomock.Any(), int64(42)).Return(older, nil),
		h.server.EXPECT().Do(gomock.Any(), replayOf(toggle)).Return(http.StatusOK, nil),
		h.server.EXPECT().FetchData(gomock.Any()).Return(snapshot(nil), nil),
	)

	_, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.pending(t), 1)
}

// Offline, the user adds Bagels and then deletes it again. The delete can
// only be addressed once the create has told us the server id.
func TestDrain_CreateThenDeleteOfSameItem(t *testing.T) {
	h := newHarness(t, false)
	sections := h.seed(t)
	ctx := context.Background()

	created, err := h.engine.Perform(ctx, Action{Type: CreateItem, SectionID: 2, Name: "Bagels"})
	require.NoError(t, err)
	require.NotEmpty(t, created.TempID)

	h.clock.Advance(time.Second)

	_, err = h.engine.Perform(ctx, Action{Type: DeleteItem, TempID: created.TempID})
	require.NoError(t, err)

	pending := h.pending(t)
	require.Len(t, pending, 2)
	assert.Equal(t, string(CreateItem), pending[0].Type)
	assert.Equal(t, string(DeleteItem), pending[1].Type)
	assert.Equal(t, created.TempID, pending[1].TempID)
	assert.Zero(t, pending[1].EntityID)

	gomock.InOrder(
		h.server.EXPECT().Create(gomock.Any(), api.Request{
			Method:  pending[0].Method,
			URL:     "/items",
			Headers: pending[0].Headers,
			Body:    pending[0].Body,
		}).Return(http.StatusCreated, int64(91), nil),
		h.server.EXPECT().Do(gomock.Any(), api.Request{Method: http.MethodDelete, URL: "/items/91"}).Return(http.StatusOK, nil),
		h.server.EXPECT().FetchData(gomock.Any()).Return(snapshot(sections), nil),
	)

	h.monitor.SetOnline(true)

	drained, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, drained)
	assert.Empty(t, h.pending(t))

	m, ok, err := h.store.ResolveTempID(created.TempID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(91), m.ID)
	assert.True(t, h.engine.tracker.IsLocal("item_deleted", 91))
}

func TestDrain_DependentWaitsForFailedCreate(t *testing.T) {
	h := newHarness(t, false)
	h.seed(t)
	ctx := context.Background()

	created, err := h.engine.Perform(ctx, Action{Type: CreateItem, SectionID: 2, Name: "Bagels"})
	require.NoError(t, err)
	_, err = h.engine.Perform(ctx, Action{Type: EditItem, TempID: created.TempID, Name: "Bagels", Description: "6"})
	require.NoError(t, err)

	h.server.EXPECT().Create(gomock.Any(), gomock.Any()).Return(http.StatusServiceUnavailable, int64(0), nil)
	h.server.EXPECT().FetchData(gomock.Any()).Return(nil, &api.TransientError{Err: errors.New("down")})
	// No Do expectation: the edit has nowhere to go yet.

	_, err = h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Len(t, h.pending(t), 2)
}

func TestDrain_CreatedEarlierResolvesDependent(t *testing.T) {
	h := newHarness(t, true)

	tempID := "0192-bagels"
	require.NoError(t, h.store.MapTempID(tempID, 91))

	toggle := Action{Type: ToggleItem, TempID: tempID}
	req := toggle.Request()
	_, err := h.store.Enqueue(state.QueuedAction{
		Type:      string(ToggleItem),
		URL:       req.URL,
		Method:    req.Method,
		TempID:    tempID,
		Timestamp: epoch.Add(-time.Minute).UnixMilli(),
	})
	require.NoError(t, err)

	gomock.InOrder(
		// Updated after the toggle was queued but before the create was
		// confirmed: that is our own create, not a conflicting edit.
		h.server.EXPECT().FetchItem(gomock.Any(), int64(91)).Return(&models.Item{ID: 91, UpdatedAt: epoch.Add(-30 * time.Second).Unix()}, nil),
		h.server.EXPECT().Do(gomock.Any(), api.Request{Method: http.MethodPost, URL: "/items/91/toggle"}).Return(http.StatusOK, nil),
		h.server.EXPECT().FetchData(gomock.Any()).Return(snapshot(nil), nil),
	)

	_, err = h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.pending(t))
}

func TestDrain_UnconfirmedCreateClearsDependent(t *testing.T) {
	h := newHarness(t, true)

	toggle := Action{Type: ToggleItem, TempID: "0192-lost"}
	req := toggle.Request()
	_, err := h.store.Enqueue(state.QueuedAction{
		Type:      string(ToggleItem),
		URL:       req.URL,
		Method:    req.Method,
		TempID:    "0192-lost",
		Timestamp: epoch.UnixMilli(),
	})
	require.NoError(t, err)

	h.server.EXPECT().FetchData(gomock.Any()).Return(snapshot(nil), nil)

	_, err = h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.pending(t))
}

func TestDrain_VersionGoneClears(t *testing.T) {
	h := newHarness(t, true)

	h.queue(t, Action{Type: ToggleUncertain, ItemID: 42}, epoch)

	h.server.EXPECT().FetchItem(gomock.Any(), int64(42)).Return(nil, syncerrors.ErrNotFound)
	h.server.EXPECT().FetchData(gomock.Any()).Return(snapshot(nil), nil)

	_, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.pending(t))
}

func TestDrain_VersionCheckFailureStillReplays(t *testing.T) {
	h := newHarness(t, true)

	toggle := Action{Type: ToggleItem, ItemID: 42}
	h.queue(t, toggle, epoch)

	h.server.EXPECT().FetchItem(gomock.Any(), int64(42)).Return(nil, &api.TransientError{Err: errors.New("timeout")})
	h.server.EXPECT().Do(gomock.Any(), replayOf(toggle)).Return(http.StatusOK, nil)
	h.server.EXPECT().FetchData(gomock.Any()).Return(snapshot(nil), nil)

	_, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.pending(t))
}

func TestDrain_FailureKeepsActionAndContinues(t *testing.T) {
	h := newHarness(t, true)

	first := Action{Type: DeleteItem, ItemID: 1}
	second := Action{Type: DeleteItem, ItemID: 2}
	third := Action{Type: DeleteItem, ItemID: 3}
	keepID := h.queue(t, first, epoch)
	h.queue(t, second, epoch.Add(time.Second))
	rejectID := h.queue(t, third, epoch.Add(2*time.Second))

	gomock.InOrder(
		h.server.EXPECT().Do(gomock.Any(), replayOf(first)).Return(http.StatusInternalServerError, nil),
		h.server.EXPECT().Do(gomock.Any(), replayOf(second)).Return(http.StatusOK, nil),
		h.server.EXPECT().Do(gomock.Any(), replayOf(third)).Return(http.StatusUnprocessableEntity, nil),
		h.server.EXPECT().FetchData(gomock.Any()).Return(nil, &api.TransientError{Err: errors.New("down")}),
	)

	drained, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, drained)

	pending := h.pending(t)
	require.Len(t, pending, 2)
	assert.Equal(t, keepID, pending[0].ID)
	assert.Equal(t, rejectID, pending[1].ID)
}

func TestDrain_TransportFailureKeepsAction(t *testing.T) {
	h := newHarness(t, true)

	h.queue(t, Action{Type: DeleteItem, ItemID: 1}, epoch)

	h.server.EXPECT().Do(gomock.Any(), gomock.Any()).Return(0, &api.TransientError{Err: errors.New("reset")})
	h.server.EXPECT().FetchData(gomock.Any()).Return(snapshot(nil), nil)

	_, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.pending(t), 1)
}

func TestDrain_DroppedWhileRunning(t *testing.T) {
	h := newHarness(t, true)
	h.queue(t, Action{Type: DeleteItem, ItemID: 1}, epoch)

	h.engine.draining.Store(true)

	drained, err := h.engine.Drain(context.Background())
	require.NoError(t, err)
	assert.False(t, drained)
	assert.Len(t, h.pending(t), 1)
}

func TestDrain_StoreUnavailable(t *testing.T) {
	h := newHarness(t, true)
	h.engine.store = state.Unavailable{}

	drained, err := h.engine.Drain(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerrors.ErrStoreUnavailable)
	assert.False(t, drained)
}

func TestDrain_RequestsSingleRefresh(t *testing.T) {
	h := newHarness(t, true)
	sections := h.seed(t)

	h.queue(t, Action{Type: DeleteItem, ItemID: 1}, epoch)
	h.queue(t, Action{Type: DeleteItem, ItemID: 2}, epoch.Add(time.Millisecond))

	h.server.EXPECT().Do(gomock.Any(), gomock.Any()).Return(http.StatusOK, nil).Times(2)
	h.server.EXPECT().FetchData(gomock.Any()).Return(snapshot(sections), nil).Times(2)
	h.server.EXPECT().FetchStats(gomock.Any()).Return(models.Stats{}, nil).Times(1)

	_, err := h.engine.Drain(context.Background())
	require.NoError(t, err)

	h.clock.Advance(DefaultRefreshDelay)

	lists, stats, _ := h.presenter.counts()
	assert.Equal(t, 1, lists)
	assert.Equal(t, 1, stats)
}

func TestEditPatch(t *testing.T) {
	server := &models.Item{Name: "Whole milk", Description: "2L"}

	assert.Empty(t, editPatch("name=Whole+milk&description=2L", server))

	patch := editPatch("name=Oat+milk&description=2L", server)
	assert.Contains(t, patch, "-Whole")
	assert.Contains(t, patch, "+Oat")

	assert.Empty(t, editPatch("%zz", server))
}
