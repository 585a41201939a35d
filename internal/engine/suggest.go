package engine

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// defaultSuggestLimit caps Suggest results when the caller passes zero.
const defaultSuggestLimit = 10

// suggestionIndex is the in-memory name index, refreshed in the
// background while online.
type suggestionIndex struct {
	mu    sync.RWMutex
	names []string
}

func (s *suggestionIndex) set(names []string) {
	s.mu.Lock()
	s.names = names
	s.mu.Unlock()
}

func (s *suggestionIndex) get() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.names
}

// RefreshSuggestions reloads the suggestion index from the server. It is
// best effort: failures are logged and the old index is kept.
func (e *Engine) RefreshSuggestions(ctx context.Context) {
	if !e.conn.Online() {
		return
	}

	names, err := e.server.Suggestions(ctx, "")
	if err != nil {
		e.logger.Debug("refreshing suggestions", slog.String("error", err.Error()))
		return
	}

	e.suggest.set(names)
}

// Suggest returns remembered item names containing query, compared
// case-insensitively after Unicode normalisation. Online it serves from
// the index, falling back to a server search while the index is empty.
// Offline, or when the server cannot answer, it serves names from the
// cached snapshot.
func (e *Engine) Suggest(ctx context.Context, query string, limit int) []string {
	if limit <= 0 {
		limit = defaultSuggestLimit
	}

	if e.conn.Online() {
		if idx := e.suggest.get(); len(idx) > 0 {
			return filterNames(idx, query, limit)
		}

		names, err := e.server.Suggestions(ctx, query)
		if err == nil {
			return filterNames(names, query, limit)
		}

		e.logger.Debug("suggestion search failed, using snapshot", slog.String("error", err.Error()))
	}

	return filterNames(e.snapshotNames(), query, limit)
}

func (e *Engine) snapshotNames() []string {
	sections, err := e.store.GetSections()
	if err != nil {
		return nil
	}

	var names []string

	for _, s := range sections {
		for _, it := range s.Items {
			names = append(names, it.Name)
		}
	}

	return names
}

func foldKey(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

// filterNames keeps names containing query, dropping duplicates that
// differ only by case, in input order.
func filterNames(names []string, query string, limit int) []string {
	q := foldKey(strings.TrimSpace(query))
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, min(limit, len(names)))

	for _, n := range names {
		if n == "" {
			continue
		}

		key := foldKey(n)
		if seen[key] || !strings.Contains(key, q) {
			continue
		}

		seen[key] = true
		out = append(out, n)

		if len(out) == limit {
			break
		}
	}

	return slices.Clip(out)
}
