package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cardflow/internal/domain"
)

const (
	DefaultRejectFor    = 600 * time.Millisecond
	DefaultCelebrateFor = 1200 * time.Millisecond
)

var (
	ErrBusy        = errors.New("board: a move is being committed")
	ErrUnknownCard = errors.New("board: card not loaded")
)

type State int

const (
	Idle State = iota
	Dragging
	Committing
)

func (s State) String() string {
	switch s {
	case Dragging:
		return "dragging"
	case Committing:
		return "committing"
	default:
		return "idle"
	}
}

// DropTarget is what a card was released over: a stage drop zone, another
// card, or both.
type DropTarget struct {
	StageID string
	CardID  string
}

type OutcomeKind int

const (
	OutcomeIgnored OutcomeKind = iota
	OutcomeRejected
	OutcomeMoved
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRejected:
		return "rejected"
	case OutcomeMoved:
		return "moved"
	default:
		return "ignored"
	}
}

type Outcome struct {
	Kind        OutcomeKind
	CardID      string
	FromStageID string
	ToStageID   string
	Crossed     bool
	Direction   Direction
	Missing     []string
	Mutations   []domain.ReorderMutation
}

type ControllerOptions struct {
	Signals      Signals
	Detail       DetailView
	Logger       *slog.Logger
	RejectFor    time.Duration
	CelebrateFor time.Duration
}

// Controller drives a drag from start to commit against a View and a
// Persister.
type Controller struct {
	view    *View
	store   Persister
	signals Signals
	detail  DetailView
	log     *slog.Logger

	rejectFor    time.Duration
	celebrateFor time.Duration

	mu     sync.Mutex
	state  State
	active string
}

func NewController(view *View, store Persister, opts ControllerOptions) *Controller {
	if opts.Signals == nil {
		opts.Signals = nopSignals{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RejectFor <= 0 {
		opts.RejectFor = DefaultRejectFor
	}
	if opts.CelebrateFor <= 0 {
		opts.CelebrateFor = DefaultCelebrateFor
	}
	return &Controller{
		view:         view,
		store:        store,
		signals:      opts.Signals,
		detail:       opts.Detail,
		log:          opts.Logger.With("component", "board.drag", "flow_id", view.FlowID()),
		rejectFor:    opts.RejectFor,
		celebrateFor: opts.CelebrateFor,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active returns the card being dragged, if any.
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) DragStart(cardID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Committing {
		return ErrBusy
	}
	if _, ok := c.view.Card(cardID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCard, cardID)
	}
	c.state = Dragging
	c.active = cardID
	return nil
}

func (c *Controller) DragCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Dragging {
		c.state = Idle
		c.active = ""
	}
}

// DragEnd commits the drop of cardID over target. Dropping a card onto itself
// or onto empty space sends it to the end of the list. Unresolvable drops and
// blocked forward moves are reported through the Outcome with a nil error;
// only a persistence failure returns an error, after the view has been
// restored to its state before the drop.
func (c *Controller) DragEnd(ctx context.Context, cardID string, over DropTarget) (Outcome, error) {
	c.mu.Lock()
	if c.state == Committing {
		c.mu.Unlock()
		return Outcome{}, ErrBusy
	}
	c.state = Committing
	c.active = ""
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.state = Idle
		c.mu.Unlock()
	}()

	out := Outcome{Kind: OutcomeIgnored, CardID: cardID}
	card, ok := c.view.Card(cardID)
	if !ok {
		c.log.Debug("drop ignored: card not loaded", "card_id", cardID)
		return out, nil
	}
	out.FromStageID = card.StageID

	targetID := over.StageID
	if targetID == "" && over.CardID != "" {
		if under, ok := c.view.Card(over.CardID); ok {
			targetID = under.StageID
		}
	}
	target, ok := c.view.Stage(targetID)
	if !ok {
		c.log.Debug("drop ignored: no target stage", "card_id", cardID)
		return out, nil
	}
	source, ok := c.view.Stage(card.StageID)
	if !ok {
		c.log.Debug("drop ignored: source stage unknown", "card_id", cardID, "stage_id", card.StageID)
		return out, nil
	}
	out.ToStageID = target.ID
	out.Direction = Classify(source, target)
	out.Crossed = out.Direction != Same

	if out.Direction == Forward {
		if err := CheckAdvance(card, source); err != nil {
			var verr *ValidationError
			errors.As(err, &verr)
			out.Kind = OutcomeRejected
			out.Missing = verr.Missing
			c.signals.Reject(card.ID, c.rejectFor)
			c.log.Info("move rejected", "card_id", card.ID, "to_stage_id", target.ID, "missing", verr.Missing)
			return out, nil
		}
	}

	sourceCards := c.view.Cards(source.ID)
	destCards := sourceCards
	if out.Crossed {
		destCards = c.view.Cards(target.ID)
	}
	targetIndex := -1
	if over.CardID != card.ID {
		targetIndex = indexOf(destCards, over.CardID)
	}
	muts := Plan(card, sourceCards, destCards, target.ID, targetIndex)
	if out.Crossed {
		if m := MutationFor(muts, card.ID); m != nil {
			status := StatusFor(target)
			m.Status = &status
			m.Assignment = ResolveAssignment(card, target, true)
		}
	}
	out.Mutations = muts

	snap := c.view.Snapshot(muts)
	c.view.Apply(muts)
	if out.Crossed {
		c.view.EnsureVisible(target.ID, len(destCards)+1)
	}
	if err := c.store.Reorder(ctx, c.view.FlowID(), muts); err != nil {
		c.view.Restore(snap)
		c.log.Error("persist reorder failed", "card_id", card.ID, "error", err)
		return out, fmt.Errorf("persist reorder: %w", err)
	}
	out.Kind = OutcomeMoved
	if out.Crossed {
		c.signals.Celebrate(card.ID, c.celebrateFor)
	}
	if c.detail != nil && c.detail.CurrentCardID() == card.ID {
		if moved, ok := c.view.Card(card.ID); ok {
			c.detail.Show(moved)
		}
	}
	c.log.Info("card moved", "card_id", card.ID, "from_stage_id", source.ID, "to_stage_id", target.ID, "mutations", len(muts))
	return out, nil
}

// indexOf returns the index of id in cards, or -1 for end of list.
func indexOf(cards []domain.Card, id string) int {
	if id == "" {
		return -1
	}
	for i, c := range cards {
		if c.ID == id {
			return i
		}
	}
	return -1
}
