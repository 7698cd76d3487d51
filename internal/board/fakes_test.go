package board

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"cardflow/internal/domain"
)

func strPtr(s string) *string { return &s }

func stage(id string, ordinal int) domain.Stage {
	return domain.Stage{ID: id, FlowID: "f1", Title: id, Ordinal: ordinal}
}

func card(id, stageID string, pos int64) domain.Card {
	return domain.Card{ID: id, FlowID: "f1", StageID: stageID, Title: id, Position: pos, Status: domain.StatusInProgress}
}

// column builds n cards named prefix1..prefixN already spaced by the allocator.
func column(stageID, prefix string, n int) []domain.Card {
	out := make([]domain.Card, n)
	for i := range out {
		out[i] = card(prefix+string(rune('1'+i)), stageID, PositionAt(i))
	}
	return out
}

// fakeStore serves a fixed card set in pages and records reorder calls.
type fakeStore struct {
	mu        sync.Mutex
	cards     []domain.Card
	counts    map[string]int
	countErr  error
	reorders  [][]domain.ReorderMutation
	reorderFn func([]domain.ReorderMutation) error
	listCalls int
}

func (s *fakeStore) ListCards(_ context.Context, _ string, _ Filter, cursor string, limit int) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	start := 0
	if cursor != "" {
		for i, c := range s.cards {
			if c.ID == cursor {
				start = i + 1
			}
		}
	}
	end := min(start+limit, len(s.cards))
	page := Page{Cards: append([]domain.Card(nil), s.cards[start:end]...)}
	if end < len(s.cards) {
		page.NextCursor = s.cards[end-1].ID
	}
	return page, nil
}

func (s *fakeStore) CountCards(_ context.Context, _ string, stageID string, _ Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return 0, s.countErr
	}
	if n, ok := s.counts[stageID]; ok {
		return n, nil
	}
	n := 0
	for _, c := range s.cards {
		if c.StageID == stageID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) Reorder(_ context.Context, _ string, muts []domain.ReorderMutation) error {
	s.mu.Lock()
	s.reorders = append(s.reorders, muts)
	fn := s.reorderFn
	s.mu.Unlock()
	if fn != nil {
		return fn(muts)
	}
	return nil
}

var errBoom = errors.New("boom")

// fakeSearch answers per stage; a delay per term lets tests force ordering.
type fakeSearch struct {
	mu      sync.Mutex
	results map[string]map[string][]domain.Card
	delay   map[string]time.Duration
	calls   []string
}

func (f *fakeSearch) SearchCards(ctx context.Context, _ string, stageID, term string, _ Filter) ([]domain.Card, error) {
	f.mu.Lock()
	f.calls = append(f.calls, term+"@"+stageID)
	d := f.delay[term]
	res := f.results[term][stageID]
	f.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return res, nil
}

func (f *fakeSearch) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.calls...)
	sort.Strings(out)
	return out
}

type fakeNames map[string]string

func (n fakeNames) UserName(id string) string { return n["u:"+id] }
func (n fakeNames) TeamName(id string) string { return n["t:"+id] }

type signal struct {
	kind   string
	cardID string
	d      time.Duration
}

type recordingSignals struct {
	mu  sync.Mutex
	got []signal
}

func (r *recordingSignals) Reject(id string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, signal{"reject", id, d})
}

func (r *recordingSignals) Celebrate(id string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, signal{"celebrate", id, d})
}

type fakeDetail struct {
	current string
	shown   []domain.Card
}

func (d *fakeDetail) CurrentCardID() string  { return d.current }
func (d *fakeDetail) Show(card domain.Card) { d.shown = append(d.shown, card) }
