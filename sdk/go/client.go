package stagegatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stagegate HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set; servers
	// only honour it in development mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Case is the API case model.
type Case struct {
	ID          string       `json:"id"`
	Kind        string       `json:"kind"`
	Title       string       `json:"title"`
	Reference   string       `json:"reference,omitempty"`
	Stages      []string     `json:"stages"`
	Attachments []Attachment `json:"attachments"`
	Status      string       `json:"status"`
	CreatedBy   string       `json:"created_by"`
	CreatedAt   time.Time    `json:"created_at"`
	ClosedAt    *time.Time   `json:"closed_at,omitempty"`
}

type StageDecision struct {
	Seq       int64     `json:"seq"`
	CaseID    string    `json:"case_id"`
	Stage     string    `json:"stage"`
	Decision  string    `json:"decision"`
	ActorID   string    `json:"actor_id"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Transition reports the status change caused by a write.
type Transition struct {
	CaseID       string          `json:"case_id"`
	Previous     string          `json:"previous"`
	Status       string          `json:"status"`
	Decisions    []StageDecision `json:"decisions"`
	Notification string          `json:"notification,omitempty"`
}

type StageWindow struct {
	CaseID        string    `json:"case_id"`
	Stage         string    `json:"stage"`
	EnteredAt     time.Time `json:"entered_at"`
	Deadline      time.Time `json:"deadline"`
	DeadlineDays  int       `json:"deadline_days"`
	DayMode       string    `json:"day_mode"`
	DaysRemaining int       `json:"days_remaining"`
	Overdue       bool      `json:"overdue"`
	Completed     bool      `json:"completed"`
}

type OverdueStage struct {
	StageWindow
	Kind   string `json:"kind"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

type RiskAssessment struct {
	CaseID        string `json:"case_id"`
	Probability   int    `json:"probability"`
	Severity      int    `json:"severity"`
	Score         int    `json:"score"`
	Category      string `json:"category"`
	MatrixVersion string `json:"matrix_version"`
	Rationale     string `json:"rationale,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	CaseID     string `json:"case_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCase opens a case of kind.
func (c *Client) CreateCase(ctx context.Context, kind, title, reference string, attachments ...Attachment) (Case, error) {
	body := map[string]any{
		"kind":        kind,
		"title":       title,
		"reference":   reference,
		"attachments": attachments,
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, "cases", body, &resp)
	return resp, err
}

func (c *Client) GetCase(ctx context.Context, caseID string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, casePath(caseID), nil, &resp)
	return resp, err
}

// RecordDecision records decision for stage.
func (c *Client) RecordDecision(ctx context.Context, caseID, stage, decision, comment string) (Transition, error) {
	body := map[string]any{
		"stage":    stage,
		"decision": decision,
		"comment":  comment,
	}
	var resp Transition
	err := c.do(ctx, http.MethodPost, casePath(caseID, "decisions"), body, &resp)
	return resp, err
}

func (c *Client) Resubmit(ctx context.Context, caseID, comment string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, casePath(caseID, "resubmit"), map[string]any{"comment": comment}, &resp)
	return resp, err
}

func (c *Client) Close(ctx context.Context, caseID string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, casePath(caseID, "close"), nil, &resp)
	return resp, err
}

func (c *Client) Reopen(ctx context.Context, caseID, reason string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, casePath(caseID, "reopen"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Windows returns the open SLA windows of a case evaluated at now.
func (c *Client) Windows(ctx context.Context, caseID string, now time.Time) ([]StageWindow, error) {
	var resp struct {
		Items []StageWindow `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withNow(casePath(caseID, "windows"), now), nil, &resp)
	return resp.Items, err
}

// Overdue returns overdue stages across open cases evaluated at now.
func (c *Client) Overdue(ctx context.Context, now time.Time) ([]OverdueStage, error) {
	var resp struct {
		Items []OverdueStage `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withNow("overdue", now), nil, &resp)
	return resp.Items, err
}

func (c *Client) AssessRisk(ctx context.Context, caseID string, probability, severity int, rationale string) (RiskAssessment, error) {
	body := map[string]any{
		"probability": probability,
		"severity":    severity,
		"rationale":   rationale,
	}
	var resp RiskAssessment
	err := c.do(ctx, http.MethodPut, casePath(caseID, "risk"), body, &resp)
	return resp, err
}

func (c *Client) Risk(ctx context.Context, caseID string) (RiskAssessment, error) {
	var resp RiskAssessment
	err := c.do(ctx, http.MethodGet, casePath(caseID, "risk"), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, optionally for one case.
func (c *Client) EventsPage(ctx context.Context, caseID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if caseID != "" {
		q.Set("case_id", caseID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func casePath(caseID string, rest ...string) string {
	parts := append([]string{"cases", url.PathEscape(caseID)}, rest...)
	return strings.Join(parts, "/")
}

func withNow(endpoint string, now time.Time) string {
	if now.IsZero() {
		return endpoint
	}
	return endpoint + "?now=" + url.QueryEscape(now.UTC().Format(time.RFC3339))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
