// Package api is the REST client for the list server. It fetches
// authoritative state for reconciliation and replays recorded mutation
// requests verbatim.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	syncerrors "github.com/alexjbarnes/list-sync/internal/errors"
	"github.com/alexjbarnes/list-sync/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should queue and retry later.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// defaultTimeout applies when Config.Timeout is zero.
	defaultTimeout = 15 * time.Second

	// maxErrorBodyLen caps how much of a response body ends up in an
	// error message.
	maxErrorBodyLen = 256

	clientIDHeader = "X-Client-ID"
)

// Endpoints consumed by the client.
const (
	dataPath     = "/api/data"
	statsPath    = "/stats"
	sectionsPath = "/sections/list"
	itemPath     = "/api/v1/items/"
	historyPath  = "/api/v1/history"
	pingPath     = "/api/data"
)

// Config holds the parameters for talking to the list server.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token when non-empty.
	Token string
	// ClientID is sent as X-Client-ID so the server can tell this
	// client's echoes apart in its own logs.
	ClientID string
	Timeout  time.Duration
	// HTTPClient overrides the underlying transport. Mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the list server.
type Client struct {
	rc *resty.Client
}

// NewClient creates a Client for cfg.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var rc *resty.Client
	if cfg.HTTPClient != nil {
		rc = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rc = resty.New()
	}

	rc.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}

	if cfg.ClientID != "" {
		rc.SetHeader(clientIDHeader, cfg.ClientID)
	}

	return &Client{rc: rc}
}

// Request is a recorded mutation request, replayable verbatim.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Outcome classifies a server response for reconciliation purposes.
type Outcome int

const (
	// OutcomeOK is any 2xx.
	OutcomeOK Outcome = iota
	// OutcomeNotFound means the target no longer exists.
	OutcomeNotFound
	// OutcomeTransient covers 429 and 5xx: retry later.
	OutcomeTransient
	// OutcomeRejected covers every other status: the server refused
	// the request as sent.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeTransient:
		return "transient"
	case OutcomeRejected:
		return "rejected"
	}

	return "unknown"
}

// Classify maps an HTTP status code to an Outcome.
func Classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeOK
	case status == http.StatusNotFound:
		return OutcomeNotFound
	case isTransientStatus(status):
		return OutcomeTransient
	}

	return OutcomeRejected
}

// Do issues req exactly as recorded and returns the response status.
// Only transport failures (no response at all) return an error, always
// wrapped in TransientError.
func (c *Client) Do(ctx context.Context, req Request) (int, error) {
	resp, err := c.execute(ctx, req)
	if err != nil {
		return 0, err
	}

	return resp.StatusCode(), nil
}

// Create issues req like Do and also returns the id of the entity the
// server created, read from an {"id": N} or {"item": {"id": N}} body.
// The id is 0 when the response does not carry one.
func (c *Client) Create(ctx context.Context, req Request) (int, int64, error) {
	resp, err := c.execute(ctx, req)
	if err != nil {
		return 0, 0, err
	}

	status := resp.StatusCode()
	if Classify(status) != OutcomeOK || !gjson.ValidBytes(resp.Body()) {
		return status, 0, nil
	}

	id := gjson.GetBytes(resp.Body(), "id")
	if !id.Exists() {
		id = gjson.GetBytes(resp.Body(), "item.id")
	}

	return status, id.Int(), nil
}

func (c *Client) execute(ctx context.Context, req Request) (*resty.Response, error) {
	r := c.rc.R().SetContext(ctx).SetHeaders(req.Headers)
	if req.Body != "" {
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(strings.ToUpper(req.Method), req.URL)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("%s %s: %w", req.Method, req.URL, err)}
	}

	return resp, nil
}

// FetchData returns the full snapshot: sections with nested items, stats,
// and the server timestamp.
func (c *Client) FetchData(ctx context.Context) (*models.Snapshot, error) {
	var snap models.Snapshot
	if err := c.getJSON(ctx, dataPath, nil, &snap); err != nil {
		return nil, fmt.Errorf("fetching data: %w", err)
	}

	models.SortSections(snap.Sections)

	return &snap, nil
}

// FetchStats returns list completion stats.
func (c *Client) FetchStats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	if err := c.getJSON(ctx, statsPath, nil, &st); err != nil {
		return models.Stats{}, fmt.Errorf("fetching stats: %w", err)
	}

	return st, nil
}

// FetchSections returns the section list used by selection widgets.
func (c *Client) FetchSections(ctx context.Context) ([]models.Section, error) {
	var sections []models.Section
	if err := c.getJSON(ctx, sectionsPath, map[string]string{"format": "json"}, &sections); err != nil {
		return nil, fmt.Errorf("fetching sections: %w", err)
	}

	models.SortSections(sections)

	return sections, nil
}

// FetchItem returns the server's current copy of an item, including its
// last-modified time. Returns errors.ErrNotFound when the item is gone.
func (c *Client) FetchItem(ctx context.Context, id int64) (*models.Item, error) {
	var item models.Item
	if err := c.getJSON(ctx, itemPath+strconv.FormatInt(id, 10), nil, &item); err != nil {
		return nil, fmt.Errorf("fetching item %d: %w", id, err)
	}

	return &item, nil
}

// HistoryEntry is one remembered item name.
type HistoryEntry struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	SectionID  int64  `json:"section_id,omitempty"`
	UsageCount int    `json:"usage_count,omitempty"`
}

type historyResponse struct {
	History []HistoryEntry `json:"history"`
}

// Suggestions returns remembered item names matching query. An empty
// query returns the whole history.
func (c *Client) Suggestions(ctx context.Context, query string) ([]string, error) {
	var params map[string]string
	if query != "" {
		params = map[string]string{"q": query}
	}

	var resp historyResponse
	if err := c.getJSON(ctx, historyPath, params, &resp); err != nil {
		return nil, fmt.Errorf("fetching suggestions: %w", err)
	}

	names := make([]string, 0, len(resp.History))
	for _, h := range resp.History {
		names = append(names, h.Name)
	}

	return names, nil
}

// Ping checks that the server answers at all. Any HTTP response counts as
// reachable; only transport failures are reported.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.rc.R().SetContext(ctx).Head(pingPath)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("pinging server: %w", err)}
	}

	return nil
}

// errorResponse is the server's JSON error body.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) getJSON(ctx context.Context, path string, params map[string]string, result interface{}) error {
	r := c.rc.R().SetContext(ctx)
	if params != nil {
		r.SetQueryParams(params)
	}

	resp, err := r.Get(path)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("sending request to %s: %w", path, err)}
	}

	if err := mapHTTPError(path, resp); err != nil {
		return err
	}

	if err := json.Unmarshal(resp.Body(), result); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}

	return nil
}

func mapHTTPError(path string, resp *resty.Response) error {
	status := resp.StatusCode()

	switch Classify(status) {
	case OutcomeOK:
		return nil
	case OutcomeNotFound:
		return syncerrors.ErrNotFound
	}

	msg := sanitizeResponseBody(resp.Body())

	var apiErr errorResponse
	if json.Unmarshal(resp.Body(), &apiErr) == nil && (apiErr.Message != "" || apiErr.Error != "") {
		msg = apiErr.Message
		if msg == "" {
			msg = apiErr.Error
		}
	}

	err := fmt.Errorf("API %s returned status %d: %s", path, status, msg)
	if isTransientStatus(status) {
		return &TransientError{Err: err}
	}

	return fmt.Errorf("%w: %w", syncerrors.ErrServerRejected, err)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying: every 5xx, and 429.
func isTransientStatus(code int) bool {
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
}

// sanitizeResponseBody truncates a response body and replaces
// non-printable characters so it is safe to log.
func sanitizeResponseBody(body []byte) string {
	if len(body) > maxErrorBodyLen {
		body = body[:maxErrorBodyLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
