// Package cardflowsdk is an HTTP client for the cardflow API. Client
// satisfies the board collaborator interfaces, so a board.View and
// board.Controller can run against a remote server.
package cardflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cardflow/internal/board"
	"cardflow/internal/domain"
)

// Client is a cardflow HTTP API client.
type Client struct {
	BaseURL     string
	FlowID      string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

var (
	_ board.CardSource          = (*Client)(nil)
	_ board.CountSource         = (*Client)(nil)
	_ board.Searcher            = (*Client)(nil)
	_ board.Persister           = (*Client)(nil)
	_ board.StageConfigProvider = (*Client)(nil)
)

// New creates a client with sane defaults.
func New(baseURL, flowID string) *Client {
	return &Client{
		BaseURL: baseURL,
		FlowID:  flowID,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Directory resolves owner names fetched from the server.
type Directory struct {
	Users []domain.User `json:"users"`
	Teams []domain.Team `json:"teams"`
}

func (d Directory) UserName(id string) string {
	for _, u := range d.Users {
		if u.ID == id {
			return u.FullName
		}
	}
	return ""
}

func (d Directory) TeamName(id string) string {
	for _, t := range d.Teams {
		if t.ID == id {
			return t.Name
		}
	}
	return ""
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	FlowID     string         `json:"flow_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateCard is the start form of a new card.
type CreateCard struct {
	ID             string                     `json:"id,omitempty"`
	Title          string                     `json:"title"`
	Values         map[string]any             `json:"values,omitempty"`
	Checklist      map[string]map[string]bool `json:"checklist,omitempty"`
	ParentID       string                     `json:"parent_id,omitempty"`
	AssignedTo     string                     `json:"assigned_to,omitempty"`
	AssignedTeamID string                     `json:"assigned_team_id,omitempty"`
}

// UpdateCard carries a partial edit. Nil fields are left untouched.
type UpdateCard struct {
	Title          *string                    `json:"title,omitempty"`
	Values         map[string]any             `json:"values,omitempty"`
	Checklist      map[string]map[string]bool `json:"checklist,omitempty"`
	AssignedTo     *string                    `json:"assigned_to,omitempty"`
	AssignedTeamID *string                    `json:"assigned_team_id,omitempty"`
	ParentID       *string                    `json:"parent_id,omitempty"`
	Status         *domain.CardStatus         `json:"status,omitempty"`
}

type assignmentBody struct {
	AssignedTo     *string  `json:"assigned_to,omitempty"`
	AssignedTeamID *string  `json:"assigned_team_id,omitempty"`
	Agents         []string `json:"agents,omitempty"`
}

type mutationBody struct {
	ID         string             `json:"id"`
	StageID    string             `json:"stage_id"`
	Position   int64              `json:"position"`
	Status     *domain.CardStatus `json:"status,omitempty"`
	Assignment *assignmentBody    `json:"assignment,omitempty"`
}

func (c *Client) ListCards(ctx context.Context, flowID string, f board.Filter, cursor string, limit int) (board.Page, error) {
	q := ownerQuery(f)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp board.Page
	err := c.do(ctx, http.MethodGet, withQuery(c.flowPath(flowID, "cards"), q), nil, &resp)
	return resp, err
}

func (c *Client) CountCards(ctx context.Context, flowID, stageID string, f board.Filter) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	endpoint := c.flowPath(flowID, fmt.Sprintf("stages/%s/count", url.PathEscape(stageID)))
	err := c.do(ctx, http.MethodGet, withQuery(endpoint, ownerQuery(f)), nil, &resp)
	return resp.Count, err
}

func (c *Client) SearchCards(ctx context.Context, flowID, stageID, term string, f board.Filter) ([]domain.Card, error) {
	q := ownerQuery(f)
	q.Set("q", term)
	var resp struct {
		Items []domain.Card `json:"items"`
	}
	endpoint := c.flowPath(flowID, fmt.Sprintf("stages/%s/search", url.PathEscape(stageID)))
	err := c.do(ctx, http.MethodGet, withQuery(endpoint, q), nil, &resp)
	return resp.Items, err
}

// Reorder sends the batch in one request; the server applies it atomically.
func (c *Client) Reorder(ctx context.Context, flowID string, muts []domain.ReorderMutation) error {
	body := struct {
		Mutations []mutationBody `json:"mutations"`
	}{Mutations: make([]mutationBody, 0, len(muts))}
	for _, m := range muts {
		mb := mutationBody{ID: m.CardID, StageID: m.StageID, Position: m.Position, Status: m.Status}
		if a := m.Assignment; a != nil {
			mb.Assignment = &assignmentBody{AssignedTo: a.AssignedTo, AssignedTeamID: a.AssignedTeamID, Agents: a.Agents}
		}
		body.Mutations = append(body.Mutations, mb)
	}
	return c.do(ctx, http.MethodPost, c.flowPath(flowID, "reorder"), body, nil)
}

func (c *Client) Stages(ctx context.Context, flowID string) ([]domain.Stage, error) {
	var resp struct {
		Items []domain.Stage `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.flowPath(flowID, "stages"), nil, &resp)
	return resp.Items, err
}

// Directory fetches the users and teams used for owner-name search.
func (c *Client) Directory(ctx context.Context) (Directory, error) {
	var resp Directory
	err := c.do(ctx, http.MethodGet, "v0/directory", nil, &resp)
	return resp, err
}

// ViewOptions returns the flow's board tunables as view options.
func (c *Client) ViewOptions(ctx context.Context, flowID string) (board.ViewOptions, error) {
	var resp struct {
		PageSize         int   `json:"page_size"`
		WindowSize       int   `json:"window_size"`
		WindowIncrement  int   `json:"window_increment"`
		SearchMinLength  int   `json:"search_min_length"`
		SearchDebounceMS int64 `json:"search_debounce_ms"`
		ListPageSize     int   `json:"list_page_size"`
		ListMaxCards     int   `json:"list_max_cards"`
	}
	if err := c.do(ctx, http.MethodGet, c.flowPath(flowID, "board-config"), nil, &resp); err != nil {
		return board.ViewOptions{}, err
	}
	return board.ViewOptions{
		FlowID:          flowID,
		PageSize:        resp.PageSize,
		WindowSize:      resp.WindowSize,
		WindowIncrement: resp.WindowIncrement,
		SearchMinLength: resp.SearchMinLength,
		SearchDebounce:  time.Duration(resp.SearchDebounceMS) * time.Millisecond,
		ListPageSize:    resp.ListPageSize,
		ListMaxCards:    resp.ListMaxCards,
	}, nil
}

func (c *Client) GetCard(ctx context.Context, id string) (domain.Card, error) {
	var resp domain.Card
	err := c.do(ctx, http.MethodGet, c.cardPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) CreateCard(ctx context.Context, in CreateCard) (domain.Card, error) {
	var resp domain.Card
	err := c.do(ctx, http.MethodPost, c.flowPath(c.FlowID, "cards"), in, &resp)
	return resp, err
}

func (c *Client) UpdateCard(ctx context.Context, id string, in UpdateCard) (domain.Card, error) {
	var resp domain.Card
	err := c.do(ctx, http.MethodPatch, c.cardPath(id, ""), in, &resp)
	return resp, err
}

func (c *Client) DeleteCard(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.cardPath(id, ""), nil, nil)
}

// AdvanceCard moves a card to the next stage. A blocked move returns a
// *board.ValidationError.
func (c *Client) AdvanceCard(ctx context.Context, id string) (domain.Card, error) {
	var resp domain.Card
	err := c.do(ctx, http.MethodPost, c.cardPath(id, "advance"), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(c.flowPath(c.FlowID, "events"), q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
		return decodeError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return apiErr
	}
	apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
	if status == http.StatusUnprocessableEntity && apiErr.Code == "validation_failed" {
		if verr := validationError(apiErr.Details); verr != nil {
			return errors.Join(verr, apiErr)
		}
	}
	return apiErr
}

func validationError(details map[string]any) *board.ValidationError {
	raw, ok := details["missing"].([]any)
	if !ok {
		return nil
	}
	verr := &board.ValidationError{}
	verr.CardID, _ = details["card_id"].(string)
	verr.StageID, _ = details["stage_id"].(string)
	for _, m := range raw {
		if s, ok := m.(string); ok {
			verr.Missing = append(verr.Missing, s)
		}
	}
	return verr
}

func ownerQuery(f board.Filter) url.Values {
	q := url.Values{}
	if f.AssignedTo != "" {
		q.Set("assigned_to", f.AssignedTo)
	}
	if f.AssignedTeamID != "" {
		q.Set("assigned_team_id", f.AssignedTeamID)
	}
	return q
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) flowPath(flowID, p string) string {
	if flowID == "" {
		flowID = c.FlowID
	}
	return fmt.Sprintf("v0/flows/%s/%s", url.PathEscape(flowID), strings.TrimLeft(p, "/"))
}

func (c *Client) cardPath(id, action string) string {
	p := "cards/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return c.flowPath(c.FlowID, p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
