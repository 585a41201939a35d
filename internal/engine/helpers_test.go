package engine

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/list-sync/internal/bus"
	"github.com/alexjbarnes/list-sync/internal/connectivity"
	"github.com/alexjbarnes/list-sync/internal/live"
	"github.com/alexjbarnes/list-sync/internal/logging"
	"github.com/alexjbarnes/list-sync/internal/models"
	"github.com/alexjbarnes/list-sync/internal/state"
	"github.com/alexjbarnes/list-sync/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fakePresenter struct {
	mu         sync.Mutex
	deltas     []Delta
	lists      int
	lastList   []models.Section
	stats      int
	lastStats  models.Stats
	options    int
	advisories []Advisory
}

func (p *fakePresenter) ApplyDelta(d Delta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas = append(p.deltas, d)
}

func (p *fakePresenter) RenderList(sections []models.Section) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lists++
	p.lastList = sections
}

func (p *fakePresenter) RenderStats(st models.Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats++
	p.lastStats = st
}

func (p *fakePresenter) RenderSectionOptions([]models.Section) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.options++
}

func (p *fakePresenter) Advise(a Advisory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advisories = append(p.advisories, a)
}

func (p *fakePresenter) counts() (lists, stats, options int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lists, p.stats, p.options
}

func (p *fakePresenter) codes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.advisories))
	for _, a := range p.advisories {
		out = append(out, a.Code)
	}

	return out
}

type fakeChannel struct {
	mu         sync.Mutex
	state      live.ConnectionState
	reconnects int
	topic      *bus.Topic[live.Notification]
}

func newFakeChannel(s live.ConnectionState) *fakeChannel {
	return &fakeChannel{state: s, topic: bus.NewTopic[live.Notification]()}
}

func (c *fakeChannel) State() live.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
}

func (c *fakeChannel) Notifications() *bus.Topic[live.Notification] { return c.topic }

type harness struct {
	server    *MockServer
	store     *state.State
	presenter *fakePresenter
	monitor   *connectivity.Monitor
	channel   *fakeChannel
	clock     *testutil.FakeClock
	engine    *Engine
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()

	ctrl := gomock.NewController(t)

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := testutil.NewFakeClock(epoch)
	h := &harness{
		server:    NewMockServer(ctrl),
		store:     st,
		presenter: &fakePresenter{},
		monitor:   connectivity.NewMonitor(clk, online),
		channel:   newFakeChannel(live.Connected),
		clock:     clk,
	}

	h.engine = New(Config{
		Store:        h.store,
		Server:       h.server,
		Presenter:    h.presenter,
		Connectivity: h.monitor,
		Channel:      h.channel,
		Clock:        clk,
	}, logging.Discard())

	return h
}

// seed stores a two-section snapshot: Dairy holds Eggs (42) and Milk (43),
// Bakery holds Bread (44).
func (h *harness) seed(t *testing.T) []models.Section {
	t.Helper()

	sections := []models.Section{
		{ID: 1, Name: "Dairy", SortOrder: 0, Items: []models.Item{
			{ID: 42, SectionID: 1, Name: "Eggs", SortOrder: 0},
			{ID: 43, SectionID: 1, Name: "Milk", SortOrder: 1},
		}},
		{ID: 2, Name: "Bakery", SortOrder: 1, Items: []models.Item{
			{ID: 44, SectionID: 2, Name: "Bread", SortOrder: 0},
		}},
	}

	require.NoError(t, h.store.SaveSections(sections))

	return sections
}

func (h *harness) item(t *testing.T, id int64) (models.Item, bool) {
	t.Helper()

	sections, err := h.store.GetSections()
	require.NoError(t, err)

	si, ii := models.FindItem(sections, id)
	if si < 0 {
		return models.Item{}, false
	}

	return sections[si].Items[ii], true
}

func (h *harness) pending(t *testing.T) []state.QueuedAction {
	t.Helper()

	p, err := h.store.ListPending()
	require.NoError(t, err)

	return p
}

func snapshot(sections []models.Section) *models.Snapshot {
	return &models.Snapshot{
		Sections:  sections,
		Stats:     models.ComputeStats(sections),
		Timestamp: epoch.Unix(),
	}
}
