package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/list-sync/internal/api"
	"github.com/alexjbarnes/list-sync/internal/clock"
	"github.com/alexjbarnes/list-sync/internal/connectivity"
	"github.com/alexjbarnes/list-sync/internal/engine"
	"github.com/alexjbarnes/list-sync/internal/mcpserver"
	"github.com/alexjbarnes/list-sync/internal/models"
	"github.com/alexjbarnes/list-sync/internal/server"
	"github.com/alexjbarnes/list-sync/internal/state"
	"github.com/alexjbarnes/list-sync/internal/tracker"
	"github.com/alexjbarnes/list-sync/internal/view"
	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testToken = "e2e-test-token-value"

// listServer is an in-memory stand-in for the shopping list server. It
// records every mutation it receives.
type listServer struct {
	mu       sync.Mutex
	sections []models.Section
	requests []string
}

func newListServer() *listServer {
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix()

	return &listServer{sections: []models.Section{
		{ID: 1, Name: "Dairy", SortOrder: 0, Items: []models.Item{
			{ID: 42, SectionID: 1, Name: "Eggs", SortOrder: 0, UpdatedAt: old},
			{ID: 43, SectionID: 1, Name: "Milk", SortOrder: 1, UpdatedAt: old},
		}},
		{ID: 2, Name: "Bakery", SortOrder: 1, Items: []models.Item{
			{ID: 44, SectionID: 2, Name: "Bread", SortOrder: 0, UpdatedAt: old},
		}},
	}}
}

func (s *listServer) stats() models.Stats {
	var st models.Stats

	for _, sec := range s.sections {
		for _, it := range sec.Items {
			st.Total++
			if it.Completed {
				st.Completed++
			}
		}
	}

	if st.Total > 0 {
		st.Percentage = st.Completed * 100 / st.Total
	}

	return st
}

// item returns a pointer into the section slice. Callers hold mu.
func (s *listServer) item(id int64) *models.Item {
	si, ii := models.FindItem(s.sections, id)
	if si < 0 {
		return nil
	}

	return &s.sections[si].Items[ii]
}

// touch bumps an item's last-modified time, as another client's edit would.
func (s *listServer) touch(id int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it := s.item(id); it != nil {
		it.UpdatedAt = at.Unix()
	}
}

func (s *listServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.requests...)
}

func (s *listServer) handler() http.Handler {
	r := chi.NewRouter()

	r.Head("/api/data", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/api/data", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		writeJSON(w, models.Snapshot{Sections: s.sections, Stats: s.stats(), Timestamp: time.Now().Unix()})
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		writeJSON(w, s.stats())
	})

	r.Get("/sections/list", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		out := make([]models.Section, 0, len(s.sections))
		for _, sec := range s.sections {
			sec.Items = nil
			out = append(out, sec)
		}

		writeJSON(w, out)
	})

	r.Get("/api/v1/history", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"history": []api.HistoryEntry{
			{ID: 1, Name: "Eggs"}, {ID: 2, Name: "Oat milk"},
		}})
	})

	r.Get("/api/v1/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)

		s.mu.Lock()
		defer s.mu.Unlock()

		it := s.item(id)
		if it == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		writeJSON(w, it)
	})

	r.Post("/items/{id}/toggle", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)

		s.mu.Lock()
		defer s.mu.Unlock()

		s.requests = append(s.requests, r.Method+" "+r.URL.Path)

		it := s.item(id)
		if it == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		it.Completed = !it.Completed
		it.UpdatedAt = time.Now().Unix()
		w.WriteHeader(http.StatusOK)
	})

	r.Put("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)

		s.mu.Lock()
		defer s.mu.Unlock()

		s.requests = append(s.requests, r.Method+" "+r.URL.Path)

		it := s.item(id)
		if it == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		it.Name = r.FormValue("name")
		it.Description = r.FormValue("description")
		it.UpdatedAt = time.Now().Unix()
		w.WriteHeader(http.StatusOK)
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// harness holds the full e2e stack: a fake list server, the engine over a
// real REST client and bbolt store, and the local HTTP server with MCP.
type harness struct {
	URL     string
	Client  *http.Client
	List    *listServer
	Monitor *connectivity.Monitor
	Engine  *engine.Engine
	View    *view.Model
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	clk := clock.New()

	list := newListServer()
	upstream := httptest.NewServer(list.handler())
	t.Cleanup(upstream.Close)

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	monitor := connectivity.NewMonitor(clk, true)
	t.Cleanup(monitor.Close)

	model := view.New()

	eng := engine.New(engine.Config{
		Store:        store,
		Server:       api.NewClient(api.Config{BaseURL: upstream.URL, Token: "upstream", Timeout: 5 * time.Second}),
		Presenter:    model,
		Connectivity: monitor,
		Tracker:      tracker.New(clk, tracker.DefaultWindow),
		Clock:        clk,
		RefreshDelay: 10 * time.Millisecond,
	}, logger)
	eng.Start(t.Context())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "list-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, eng, model)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	require.NoError(t, err)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Status:     eng,
		MCPHandler: mcpHandler,
		TokenHash:  string(hash),
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		URL:     ts.URL,
		Client:  ts.Client(),
		List:    list,
		Monitor: monitor,
		Engine:  eng,
		View:    model,
	}
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// status reads /status from the local server.
func (h *harness) status(t *testing.T) engine.Status {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.URL+"/status", nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st engine.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))

	return st
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
