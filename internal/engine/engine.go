package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"cardflow/internal/board"
	"cardflow/internal/config"
	"cardflow/internal/domain"
	"cardflow/internal/events"
	"cardflow/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (e Engine) eventsWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// ImportFlow stores the flow definition, its directory and config.
func (e Engine) ImportFlow(ctx context.Context, cfg *config.Config, actorID string) (domain.Flow, error) {
	if cfg == nil {
		return domain.Flow{}, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return domain.Flow{}, err
	}
	flow := cfg.FlowModel()
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Flow{}, err
	}
	defer tx.Rollback()

	for _, u := range cfg.Users() {
		if err := e.Repo.UpsertUserTx(ctx, tx, u); err != nil {
			return domain.Flow{}, fmt.Errorf("upsert user %s: %w", u.ID, err)
		}
	}
	for _, t := range cfg.Teams() {
		if err := e.Repo.UpsertTeamTx(ctx, tx, t); err != nil {
			return domain.Flow{}, fmt.Errorf("upsert team %s: %w", t.ID, err)
		}
	}
	if err := e.Repo.ImportFlowTx(ctx, tx, flow, cfg, e.now()); err != nil {
		return domain.Flow{}, err
	}
	stageIDs := make([]string, len(flow.Stages))
	for i, s := range flow.Stages {
		stageIDs[i] = s.ID
	}
	if err := e.eventsWriter().Append(ctx, tx, events.FlowImported, flow.ID, "flow", flow.ID, actorID, events.EventPayload{
		"title":  flow.Title,
		"stages": stageIDs,
	}); err != nil {
		return domain.Flow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Flow{}, err
	}
	e.log().Info("flow imported", "flow_id", flow.ID, "stages", len(flow.Stages))
	return e.Repo.GetFlow(ctx, flow.ID)
}

// CardCreateOptions are parameters for creating a card.
type CardCreateOptions struct {
	ID             string
	FlowID         string
	Title          string
	Values         map[string]any
	Checklist      map[string]map[string]bool
	ParentID       string
	AssignedTo     string
	AssignedTeamID string
	ActorID        string
}

// CreateCard places a new card at the end of the flow's first stage. When no
// owner is given the first stage's default owner applies.
func (e Engine) CreateCard(ctx context.Context, opts CardCreateOptions) (domain.Card, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Card{}, errors.New("title is required")
	}
	if opts.FlowID == "" {
		return domain.Card{}, errors.New("flow is required")
	}
	flow, err := e.Repo.GetFlow(ctx, opts.FlowID)
	if err != nil {
		return domain.Card{}, err
	}
	first, ok := flow.FirstStage()
	if !ok {
		return domain.Card{}, fmt.Errorf("flow %s has no stages", flow.ID)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	c := domain.Card{
		ID:        id,
		FlowID:    flow.ID,
		StageID:   first.ID,
		Title:     strings.TrimSpace(opts.Title),
		Values:    opts.Values,
		Checklist: opts.Checklist,
		Status:    board.StatusFor(first),
		ParentID:  optionalString(opts.ParentID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch {
	case opts.AssignedTo != "":
		c.AssignedTo = &opts.AssignedTo
		c.Agents = []string{opts.AssignedTo}
	case opts.AssignedTeamID != "":
		c.AssignedTeamID = &opts.AssignedTeamID
	default:
		if a := board.ResolveAssignment(c, first, true); a != nil {
			c = domain.ReorderMutation{CardID: c.ID, StageID: c.StageID, Assignment: a}.Apply(c)
		}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	if opts.ParentID != "" {
		parent, err := e.Repo.GetCardTx(ctx, tx, opts.ParentID)
		if err != nil {
			return domain.Card{}, fmt.Errorf("parent %s: %w", opts.ParentID, err)
		}
		if parent.FlowID != flow.ID {
			return domain.Card{}, errors.New("parent in different flow")
		}
		if err := e.ensureNoCycle(ctx, tx, opts.ParentID, c.ID); err != nil {
			return domain.Card{}, err
		}
	}
	last, err := e.Repo.MaxPositionTx(ctx, tx, flow.ID, first.ID)
	if err != nil {
		return domain.Card{}, err
	}
	c.Position = last + board.PositionStep
	if err := e.Repo.InsertCard(ctx, tx, c); err != nil {
		return domain.Card{}, fmt.Errorf("insert card: %w", err)
	}
	if err := e.eventsWriter().Append(ctx, tx, events.CardCreated, c.FlowID, "card", c.ID, opts.ActorID, events.EventPayload{
		"title":    c.Title,
		"stage_id": c.StageID,
		"status":   c.Status,
	}); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}
	return c, nil
}

func (e Engine) ensureNoCycle(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	// climb up the parent chain
	cur := parentID
	for cur != "" {
		if cur == childID {
			return errors.New("card hierarchy cycle detected")
		}
		c, err := e.Repo.GetCardTx(ctx, tx, cur)
		if err != nil {
			return err
		}
		if c.ParentID == nil {
			return nil
		}
		cur = *c.ParentID
	}
	return nil
}

// CardUpdateOptions encapsulates allowed edits. Values and Checklist are
// merged key by key; a nil value removes the key.
type CardUpdateOptions struct {
	ID           string
	ActorID      string
	Title        *string
	Values       map[string]any
	Checklist    map[string]map[string]bool
	SetAssignee  *string
	SetTeam      *string
	SetParent    *string
	Status       *domain.CardStatus
	ValuesSet    bool
	ChecklistSet bool
}

func (e Engine) UpdateCard(ctx context.Context, opts CardUpdateOptions) (domain.Card, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCardTx(ctx, tx, opts.ID)
	if err != nil {
		return c, err
	}
	var changed []string
	if opts.Title != nil {
		title := strings.TrimSpace(*opts.Title)
		if title == "" {
			return c, errors.New("title is required")
		}
		c.Title = title
		changed = append(changed, "title")
	}
	if opts.ValuesSet {
		c.Values = mergeValues(c.Values, opts.Values)
		changed = append(changed, "values")
	}
	if opts.ChecklistSet {
		c.Checklist = mergeChecklist(c.Checklist, opts.Checklist)
		changed = append(changed, "checklist")
	}
	if opts.SetAssignee != nil {
		if *opts.SetAssignee == "" {
			c.AssignedTo = nil
		} else {
			user := *opts.SetAssignee
			c.AssignedTo = &user
			if !containsString(c.Agents, user) {
				c.Agents = append(append([]string(nil), c.Agents...), user)
			}
		}
		changed = append(changed, "assigned_to")
	}
	if opts.SetTeam != nil {
		c.AssignedTeamID = optionalString(*opts.SetTeam)
		changed = append(changed, "assigned_team_id")
	}
	if opts.SetParent != nil {
		if *opts.SetParent == "" {
			c.ParentID = nil
		} else {
			if err := e.ensureNoCycle(ctx, tx, *opts.SetParent, c.ID); err != nil {
				return c, err
			}
			parent := *opts.SetParent
			c.ParentID = &parent
		}
		changed = append(changed, "parent_id")
	}
	if opts.Status != nil {
		if !opts.Status.Valid() {
			return c, fmt.Errorf("invalid status %q", *opts.Status)
		}
		c.Status = *opts.Status
		changed = append(changed, "status")
	}
	if len(changed) == 0 {
		return c, nil
	}
	c.UpdatedAt = e.now()
	if err := e.Repo.UpdateCard(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.eventsWriter().Append(ctx, tx, events.CardUpdated, c.FlowID, "card", c.ID, opts.ActorID, events.EventPayload{
		"fields": changed,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

func mergeValues(cur, patch map[string]any) map[string]any {
	out := make(map[string]any, len(cur)+len(patch))
	for k, v := range cur {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func mergeChecklist(cur, patch map[string]map[string]bool) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(cur)+len(patch))
	for field, items := range cur {
		out[field] = items
	}
	for field, items := range patch {
		if items == nil {
			delete(out, field)
			continue
		}
		merged := make(map[string]bool, len(out[field])+len(items))
		for item, done := range out[field] {
			merged[item] = done
		}
		for item, done := range items {
			merged[item] = done
		}
		out[field] = merged
	}
	return out
}

func (e Engine) DeleteCard(ctx context.Context, id, actorID string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetCardTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteCard(ctx, tx, id); err != nil {
		return err
	}
	if err := e.eventsWriter().Append(ctx, tx, events.CardDeleted, c.FlowID, "card", c.ID, actorID, events.EventPayload{
		"title":    c.Title,
		"stage_id": c.StageID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Reorder applies a mutation batch atomically: either every card is written
// or none is.
func (e Engine) Reorder(ctx context.Context, flowID string, muts []domain.ReorderMutation, actorID string) error {
	if len(muts) == 0 {
		return nil
	}
	flow, err := e.Repo.GetFlow(ctx, flowID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(muts))
	for _, m := range muts {
		if m.CardID == "" {
			return errors.New("mutation id is required")
		}
		if seen[m.CardID] {
			return fmt.Errorf("card %s appears twice in the batch", m.CardID)
		}
		seen[m.CardID] = true
		if _, ok := flow.Stage(m.StageID); !ok {
			return fmt.Errorf("invalid stage %s for flow %s", m.StageID, flowID)
		}
		if m.Status != nil && !m.Status.Valid() {
			return fmt.Errorf("invalid status %q", *m.Status)
		}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.applyMutations(ctx, tx, flowID, muts, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) applyMutations(ctx context.Context, tx *sql.Tx, flowID string, muts []domain.ReorderMutation, actorID string) error {
	now := e.now()
	w := e.eventsWriter()
	stages := map[string]bool{}
	for _, m := range muts {
		before, err := e.Repo.GetCardTx(ctx, tx, m.CardID)
		if err != nil {
			return fmt.Errorf("card %s: %w", m.CardID, err)
		}
		if err := e.Repo.ApplyMutationTx(ctx, tx, flowID, m, now); err != nil {
			return err
		}
		stages[m.StageID] = true
		if before.StageID == m.StageID {
			continue
		}
		payload := events.EventPayload{
			"from_stage_id": before.StageID,
			"to_stage_id":   m.StageID,
			"position":      m.Position,
		}
		if m.Status != nil {
			payload["status"] = *m.Status
		}
		if m.Assignment != nil {
			payload["assigned_to"] = m.Assignment.AssignedTo
			payload["assigned_team_id"] = m.Assignment.AssignedTeamID
		}
		if err := w.Append(ctx, tx, events.CardMoved, flowID, "card", m.CardID, actorID, payload); err != nil {
			return err
		}
	}
	e.log().Debug("reorder applied", "flow_id", flowID, "mutations", len(muts), "stages", len(stages))
	return nil
}

// AdvanceCard moves a card to the end of the next stage by ordinal, subject
// to the same gate, status and default-owner rules as a forward drag.
func (e Engine) AdvanceCard(ctx context.Context, cardID, actorID string) (domain.Card, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()
	moved, err := e.advanceTx(ctx, tx, cardID, actorID)
	if err != nil {
		return moved, err
	}
	if err := tx.Commit(); err != nil {
		return moved, err
	}
	return moved, nil
}

// advanceTx gates and moves the card using only reads made through tx, so the
// checked state is the state that gets written.
func (e Engine) advanceTx(ctx context.Context, tx *sql.Tx, cardID, actorID string) (domain.Card, error) {
	c, err := e.Repo.GetCardTx(ctx, tx, cardID)
	if err != nil {
		return c, err
	}
	flow, err := e.Repo.GetFlowTx(ctx, tx, c.FlowID)
	if err != nil {
		return c, err
	}
	current, ok := flow.Stage(c.StageID)
	if !ok {
		return c, fmt.Errorf("card %s sits in unknown stage %s", c.ID, c.StageID)
	}
	next, ok := nextStage(flow, current)
	if !ok {
		return c, fmt.Errorf("card %s is already in the last stage", c.ID)
	}
	if err := board.CheckAdvance(c, current); err != nil {
		return c, err
	}
	source, err := e.Repo.StageCardsTx(ctx, tx, flow.ID, current.ID)
	if err != nil {
		return c, err
	}
	dest, err := e.Repo.StageCardsTx(ctx, tx, flow.ID, next.ID)
	if err != nil {
		return c, err
	}
	muts := board.Plan(c, source, dest, next.ID, -1)
	if m := board.MutationFor(muts, c.ID); m != nil {
		status := board.StatusFor(next)
		m.Status = &status
		m.Assignment = board.ResolveAssignment(c, next, true)
	}
	if err := e.applyMutations(ctx, tx, flow.ID, muts, actorID); err != nil {
		return c, err
	}
	return e.Repo.GetCardTx(ctx, tx, c.ID)
}

func nextStage(flow domain.Flow, cur domain.Stage) (domain.Stage, bool) {
	var next domain.Stage
	found := false
	for _, s := range flow.Stages {
		if s.Ordinal <= cur.Ordinal {
			continue
		}
		if !found || s.Ordinal < next.Ordinal {
			next = s
			found = true
		}
	}
	return next, found
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
