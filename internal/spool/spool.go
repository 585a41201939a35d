// Package spool passes requests from CLI invocations to the running
// daemon through a directory. Each request is one JSON file named by a
// time-ordered UUID, so lexical order is creation order.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alexjbarnes/list-sync/internal/engine"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const (
	// spoolDirPerm is the permission mode for the spool directory.
	spoolDirPerm = fs.FileMode(0o700)

	// spoolFilePerm is the permission mode for request files.
	spoolFilePerm = fs.FileMode(0o600)

	fileExt = ".json"
	tmpExt  = ".tmp"
	badExt  = ".bad"
)

// Request kinds.
const (
	KindAction = "action"
	KindWake   = "wake"
)

// Request is one spooled instruction for the daemon.
type Request struct {
	Kind      string         `json:"kind"`
	Action    *engine.Action `json:"action,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Handler executes spooled requests. *engine.Engine satisfies it.
type Handler interface {
	Perform(ctx context.Context, a engine.Action) (engine.Result, error)
	Foreground(ctx context.Context)
}

// Write stores req in dir and returns the file path. The file appears
// under its final name only once fully written.
func Write(dir string, req Request) (string, error) {
	if err := os.MkdirAll(dir, spoolDirPerm); err != nil {
		return "", fmt.Errorf("creating spool dir: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating request id: %w", err)
	}

	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	final := filepath.Join(dir, id.String()+fileExt)
	tmp := final + tmpExt

	if err := os.WriteFile(tmp, data, spoolFilePerm); err != nil {
		return "", fmt.Errorf("writing request: %w", err)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publishing request: %w", err)
	}

	return final, nil
}

// Watcher consumes the spool directory.
type Watcher struct {
	dir     string
	handler Handler
	logger  *slog.Logger
}

// NewWatcher creates a Watcher for dir.
func NewWatcher(dir string, h Handler, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:     dir,
		handler: h,
		logger:  logger.With(slog.String("component", "spool")),
	}
}

// Watch processes requests already in the directory, oldest first, then
// each new one as it appears. It blocks until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, spoolDirPerm); err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching spool dir: %w", err)
	}

	w.logger.Info("spool watcher started", slog.String("dir", w.dir))

	if err := w.processExisting(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !isRequest(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.process(ctx, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("spool watcher error", slog.String("error", err.Error()))

			// Events may have been dropped. Rescan.
			if err := w.processExisting(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) processExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading spool dir: %w", err)
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		if !e.IsDir() && isRequest(e.Name()) {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	for _, name := range names {
		w.process(ctx, filepath.Join(w.dir, name))
	}

	return nil
}

func isRequest(path string) bool {
	return strings.HasSuffix(path, fileExt)
}

// process executes and removes one request file. A file that cannot be
// decoded is renamed aside so it is not retried.
func (w *Watcher) process(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}

	if err != nil {
		w.logger.Warn("reading spooled request", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil || !valid(req) {
		w.quarantine(path, err)
		return
	}

	// Remove first: a request is executed at most once even if the
	// daemon stops mid-way.
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("removing spooled request", slog.String("path", path), slog.String("error", err.Error()))
		}

		return
	}

	switch req.Kind {
	case KindWake:
		w.logger.Debug("wake requested")
		w.handler.Foreground(ctx)

	case KindAction:
		res, err := w.handler.Perform(ctx, *req.Action)
		if err != nil {
			w.logger.Warn("spooled action failed",
				slog.String("type", string(req.Action.Type)),
				slog.String("error", err.Error()),
			)

			return
		}

		w.logger.Info("spooled action applied",
			slog.String("type", string(req.Action.Type)),
			slog.Bool("queued", res.Queued),
		)
	}
}

func valid(req Request) bool {
	switch req.Kind {
	case KindWake:
		return true
	case KindAction:
		return req.Action != nil
	}

	return false
}

func (w *Watcher) quarantine(path string, cause error) {
	msg := "unknown request kind"
	if cause != nil {
		msg = cause.Error()
	}

	w.logger.Warn("moving aside bad spooled request", slog.String("path", path), slog.String("error", msg))

	if err := os.Rename(path, path+badExt); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("quarantining spooled request", slog.String("path", path), slog.String("error", err.Error()))
	}
}
