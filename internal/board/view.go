package board

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"cardflow/internal/domain"
	"cardflow/internal/search"
)

const (
	DefaultPageSize        = 50
	DefaultWindowSize      = 10
	DefaultWindowIncrement = 10
	DefaultSearchMinLength = 3
	DefaultSearchDebounce  = 500 * time.Millisecond
	DefaultListPageSize    = 20
	DefaultListMaxCards    = 1000
)

type ViewOptions struct {
	FlowID          string
	Filter          Filter
	PageSize        int
	WindowSize      int
	WindowIncrement int
	SearchMinLength int
	SearchDebounce  time.Duration
	ListPageSize    int
	ListMaxCards    int
	// OnChange is called after asynchronous results land.
	OnChange func()
	Logger   *slog.Logger
}

func (o ViewOptions) withDefaults() ViewOptions {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.WindowSize <= 0 {
		o.WindowSize = DefaultWindowSize
	}
	if o.WindowIncrement <= 0 {
		o.WindowIncrement = DefaultWindowIncrement
	}
	if o.SearchMinLength <= 0 {
		o.SearchMinLength = DefaultSearchMinLength
	}
	if o.SearchDebounce <= 0 {
		o.SearchDebounce = DefaultSearchDebounce
	}
	if o.ListPageSize <= 0 {
		o.ListPageSize = DefaultListPageSize
	}
	if o.ListMaxCards <= 0 {
		o.ListMaxCards = DefaultListMaxCards
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Sources bundles the data collaborators of a View. Counts, Search and
// Names are optional.
type Sources struct {
	Cards  CardSource
	Counts CountSource
	Search Searcher
	Names  Directory
}

type ColumnView struct {
	Stage    domain.Stage
	Cards    []domain.Card
	Visible  int
	Matching int
	Total    int
	HasMore  bool
}

type ListPage struct {
	Cards      []domain.Card
	Page       int
	PageSize   int
	Total      int
	TotalPages int
	HasNext    bool
}

// Snapshot is the pre-apply state of the cards named by one mutation batch.
type Snapshot struct {
	cards     map[string]domain.Card
	windows   map[string]int
	countsGen uint64
}

// View is the client-side aggregate of a flow's cards: the paginated cache,
// per-stage grouping and visible windows, and the merged local/server search.
type View struct {
	opts     ViewOptions
	src      Sources
	log      *slog.Logger
	debounce *Debouncer
	ctx      context.Context
	cancel   context.CancelFunc

	fetchMu sync.Mutex

	mu        sync.Mutex
	stages    []domain.Stage
	cards     map[string]domain.Card
	cursor    string
	hasNext   bool
	totals    map[string]int
	windows   map[string]int
	matcher   search.Matcher
	seq       uint64
	server    map[string][]domain.Card
	countsGen uint64 // advances whenever totals are replaced from the server
}

func NewView(stages []domain.Stage, src Sources, opts ViewOptions) *View {
	opts = opts.withDefaults()
	sorted := append([]domain.Stage(nil), stages...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })
	ctx, cancel := context.WithCancel(context.Background())
	return &View{
		opts:     opts,
		src:      src,
		log:      opts.Logger.With("component", "board.view", "flow_id", opts.FlowID),
		debounce: NewDebouncer(opts.SearchDebounce),
		ctx:      ctx,
		cancel:   cancel,
		stages:   sorted,
		cards:    map[string]domain.Card{},
		hasNext:  true,
		totals:   map[string]int{},
		windows:  map[string]int{},
		matcher:  search.NewMatcher("", src.Names),
		server:   map[string][]domain.Card{},
	}
}

// Close stops the pending search and discards in-flight results.
func (v *View) Close() {
	v.debounce.Stop()
	v.cancel()
}

func (v *View) FlowID() string { return v.opts.FlowID }

func (v *View) changed() {
	if v.opts.OnChange != nil {
		v.opts.OnChange()
	}
}

// Load resets the cache, fetches the first page and refreshes stage counts.
func (v *View) Load(ctx context.Context) error {
	v.mu.Lock()
	v.cards = map[string]domain.Card{}
	v.cursor = ""
	v.hasNext = true
	v.mu.Unlock()
	if _, err := v.FetchNextPage(ctx); err != nil {
		return err
	}
	return v.RefreshCounts(ctx)
}

// FetchNextPage loads the next server page into the cache and returns how
// many cards it carried.
func (v *View) FetchNextPage(ctx context.Context) (int, error) {
	v.fetchMu.Lock()
	defer v.fetchMu.Unlock()

	v.mu.Lock()
	if !v.hasNext {
		v.mu.Unlock()
		return 0, nil
	}
	cursor := v.cursor
	v.mu.Unlock()

	page, err := v.src.Cards.ListCards(ctx, v.opts.FlowID, v.opts.Filter, cursor, v.opts.PageSize)
	if err != nil {
		return 0, fmt.Errorf("fetch cards page: %w", err)
	}

	v.mu.Lock()
	for _, c := range page.Cards {
		if _, ok := v.cards[c.ID]; !ok {
			v.cards[c.ID] = c
		}
	}
	v.cursor = page.NextCursor
	v.hasNext = page.NextCursor != ""
	v.mu.Unlock()
	v.log.Debug("cards page loaded", "count", len(page.Cards), "has_next", page.NextCursor != "")
	v.changed()
	return len(page.Cards), nil
}

func (v *View) HasNextPage() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasNext
}

// RefreshCounts issues one count request per stage. Partial results are kept
// when some requests fail.
func (v *View) RefreshCounts(ctx context.Context) error {
	if v.src.Counts == nil {
		return nil
	}
	var (
		g      errgroup.Group
		mu     sync.Mutex
		counts = map[string]int{}
	)
	for _, s := range v.Stages() {
		g.Go(func() error {
			n, err := v.src.Counts.CountCards(ctx, v.opts.FlowID, s.ID, v.opts.Filter)
			if err != nil {
				return fmt.Errorf("count stage %s: %w", s.ID, err)
			}
			mu.Lock()
			counts[s.ID] = n
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	v.mu.Lock()
	for id, n := range counts {
		v.totals[id] = n
	}
	v.countsGen++
	v.mu.Unlock()
	v.changed()
	return err
}

func (v *View) Stages() []domain.Stage {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.Stage(nil), v.stages...)
}

func (v *View) Stage(id string) (domain.Stage, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, s := range v.stages {
		if s.ID == id {
			return s, true
		}
	}
	return domain.Stage{}, false
}

func (v *View) Card(id string) (domain.Card, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.cards[id]
	return c, ok
}

// Cards returns every cached card of a stage ordered by position, ignoring
// search and windows.
func (v *View) Cards(stageID string) []domain.Card {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stageCards(stageID)
}

func (v *View) stageCards(stageID string) []domain.Card {
	var out []domain.Card
	for _, c := range v.cards {
		if c.StageID == stageID {
			out = append(out, c)
		}
	}
	sortByPosition(out)
	return out
}

func sortByPosition(cards []domain.Card) {
	sort.SliceStable(cards, func(i, j int) bool {
		a, b := cards[i], cards[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// merged is the stage's local matches plus server matches not seen locally.
// A cached copy of a server hit wins over the hit itself.
func (v *View) merged(stageID string) []domain.Card {
	local := v.matcher.Filter(v.stageCards(stageID))
	if v.matcher.Empty() {
		return local
	}
	remote, ok := v.server[stageID]
	if !ok {
		return local
	}
	seen := make(map[string]bool, len(local))
	for _, c := range local {
		seen[c.ID] = true
	}
	out := local
	for _, c := range remote {
		if seen[c.ID] {
			continue
		}
		if cached, ok := v.cards[c.ID]; ok {
			if cached.StageID != stageID {
				continue
			}
			c = cached
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	sortByPosition(out)
	return out
}

func (v *View) window(stageID string) int {
	if w, ok := v.windows[stageID]; ok {
		return w
	}
	return v.opts.WindowSize
}

func (v *View) Column(stageID string) ColumnView {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.column(stageID)
}

func (v *View) column(stageID string) ColumnView {
	var stage domain.Stage
	for _, s := range v.stages {
		if s.ID == stageID {
			stage = s
			break
		}
	}
	matching := v.merged(stageID)
	visible := min(v.window(stageID), len(matching))
	total := len(matching)
	searching := !v.matcher.Empty()
	if !searching {
		if t, ok := v.totals[stageID]; ok && t > total {
			total = t
		}
	}
	return ColumnView{
		Stage:    stage,
		Cards:    matching[:visible],
		Visible:  visible,
		Matching: len(matching),
		Total:    total,
		HasMore:  visible < len(matching) || (!searching && len(matching) < total),
	}
}

func (v *View) Columns() []ColumnView {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]ColumnView, 0, len(v.stages))
	for _, s := range v.stages {
		out = append(out, v.column(s.ID))
	}
	return out
}

func (v *View) Window(stageID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.window(stageID)
}

// ShowMore grows the stage's visible window by one increment.
func (v *View) ShowMore(stageID string) int {
	v.mu.Lock()
	w := v.window(stageID) + v.opts.WindowIncrement
	v.windows[stageID] = w
	v.mu.Unlock()
	v.changed()
	return w
}

// EnsureVisible grows the stage's window to at least n.
func (v *View) EnsureVisible(stageID string, n int) {
	v.mu.Lock()
	if v.window(stageID) < n {
		v.windows[stageID] = n
	}
	v.mu.Unlock()
}

func (v *View) SearchTerm() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.matcher.Query()
}

// SetSearch filters the cache immediately and schedules the debounced
// server search once the term is long enough.
func (v *View) SetSearch(term string) {
	v.mu.Lock()
	v.matcher = search.NewMatcher(term, v.src.Names)
	v.seq++
	seq := v.seq
	v.server = map[string][]domain.Card{}
	query := v.matcher.Query()
	eligible := v.searchEligible()
	v.mu.Unlock()
	v.changed()

	if !eligible {
		v.debounce.Stop()
		return
	}
	v.debounce.Trigger(func() {
		if err := v.searchServer(v.ctx, seq, query); err != nil {
			v.log.Warn("server search failed", "term", query, "error", err)
		}
	})
}

func (v *View) searchEligible() bool {
	return v.src.Search != nil && utf8.RuneCountInString(v.matcher.Query()) >= v.opts.SearchMinLength
}

// SearchNow runs the server search for the current term without waiting for
// the debounce delay.
func (v *View) SearchNow(ctx context.Context) error {
	v.mu.Lock()
	seq := v.seq
	term := v.matcher.Query()
	eligible := v.searchEligible()
	v.mu.Unlock()
	if !eligible {
		return nil
	}
	v.debounce.Stop()
	return v.searchServer(ctx, seq, term)
}

// searchServer queries every stage concurrently. Responses belonging to a
// superseded sequence are dropped.
func (v *View) searchServer(ctx context.Context, seq uint64, term string) error {
	var g errgroup.Group
	for _, s := range v.Stages() {
		g.Go(func() error {
			cards, err := v.src.Search.SearchCards(ctx, v.opts.FlowID, s.ID, term, v.opts.Filter)
			if err != nil {
				return fmt.Errorf("search stage %s: %w", s.ID, err)
			}
			v.mu.Lock()
			stale := seq != v.seq
			if !stale {
				v.server[s.ID] = cards
			}
			v.mu.Unlock()
			if stale {
				v.log.Debug("discarding stale search response", "stage_id", s.ID, "seq", seq)
				return nil
			}
			v.changed()
			return nil
		})
	}
	return g.Wait()
}

func (v *View) flattened() []domain.Card {
	var out []domain.Card
	for _, s := range v.stages {
		out = append(out, v.merged(s.ID)...)
	}
	return out
}

// ListPage returns one page of the merged result set ordered by stage ordinal
// then position, loading further server pages while the page is not yet
// covered by the cache.
func (v *View) ListPage(ctx context.Context, page int) (ListPage, error) {
	if page < 0 {
		page = 0
	}
	size := v.opts.ListPageSize
	for {
		v.mu.Lock()
		items := v.flattened()
		hasNext := v.hasNext
		need := (page+1)*size > len(items) && hasNext && len(v.cards) < v.opts.ListMaxCards
		v.mu.Unlock()
		if !need {
			return buildListPage(items, page, size, hasNext), nil
		}
		n, err := v.FetchNextPage(ctx)
		if err != nil {
			return ListPage{}, err
		}
		if n == 0 {
			v.mu.Lock()
			items = v.flattened()
			hasNext = v.hasNext
			v.mu.Unlock()
			return buildListPage(items, page, size, hasNext), nil
		}
	}
}

func buildListPage(items []domain.Card, page, size int, more bool) ListPage {
	total := len(items)
	pages := (total + size - 1) / size
	start := min(page*size, total)
	end := min(start+size, total)
	return ListPage{
		Cards:      items[start:end],
		Page:       page,
		PageSize:   size,
		Total:      total,
		TotalPages: pages,
		HasNext:    end < total || more,
	}
}

// Apply writes mutations onto cached cards, keeping stage totals in step.
func (v *View) Apply(muts []domain.ReorderMutation) {
	v.mu.Lock()
	for _, m := range muts {
		c, ok := v.cards[m.CardID]
		if !ok {
			continue
		}
		v.moveTotals(c.StageID, m.StageID)
		v.cards[m.CardID] = m.Apply(c)
	}
	v.mu.Unlock()
	v.changed()
}

func (v *View) moveTotals(from, to string) {
	if from == to {
		return
	}
	if n, ok := v.totals[from]; ok && n > 0 {
		v.totals[from] = n - 1
	}
	if n, ok := v.totals[to]; ok {
		v.totals[to] = n + 1
	}
}

// Upsert inserts or replaces a card in the cache.
func (v *View) Upsert(card domain.Card) {
	v.mu.Lock()
	if prev, ok := v.cards[card.ID]; ok {
		v.moveTotals(prev.StageID, card.StageID)
	} else if n, ok := v.totals[card.StageID]; ok {
		v.totals[card.StageID] = n + 1
	}
	v.cards[card.ID] = card
	v.mu.Unlock()
	v.changed()
}

// Remove drops a card after a confirmed delete.
func (v *View) Remove(cardID string) {
	v.mu.Lock()
	if prev, ok := v.cards[cardID]; ok {
		if n, ok := v.totals[prev.StageID]; ok && n > 0 {
			v.totals[prev.StageID] = n - 1
		}
		delete(v.cards, cardID)
	}
	for stageID, cards := range v.server {
		v.server[stageID], _ = without(cards, cardID)
	}
	v.mu.Unlock()
	v.changed()
}

// Snapshot records the cached state of the cards a mutation batch touches and
// the windows of its destination stages, before the batch is applied.
func (v *View) Snapshot(muts []domain.ReorderMutation) Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := Snapshot{
		cards:     make(map[string]domain.Card, len(muts)),
		windows:   map[string]int{},
		countsGen: v.countsGen,
	}
	for _, m := range muts {
		s.windows[m.StageID] = v.window(m.StageID)
		c, ok := v.cards[m.CardID]
		if !ok {
			continue
		}
		s.cards[m.CardID] = c
	}
	return s
}

// Restore writes back only the snapshotted cards and windows. Pages, upserts
// and counts that landed after the snapshot are kept; stage totals are moved
// back unless a count refresh has replaced them since.
func (v *View) Restore(s Snapshot) {
	v.mu.Lock()
	recount := s.countsGen == v.countsGen
	for id, prev := range s.cards {
		cur, ok := v.cards[id]
		if !ok {
			continue
		}
		if recount {
			v.moveTotals(cur.StageID, prev.StageID)
		}
		v.cards[id] = prev
	}
	for id, w := range s.windows {
		v.windows[id] = w
	}
	v.mu.Unlock()
	v.changed()
}
