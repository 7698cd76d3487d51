package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cardflow/internal/board"
	"cardflow/internal/config"
	"cardflow/internal/engine"
)

func boardCmd() *cobra.Command {
	var filter board.Filter
	var term string
	var more int
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Render the board, one column per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, _, err := openBoard(ctx, e, filter)
				if err != nil {
					return err
				}
				defer view.Close()
				if term != "" {
					view.SetSearch(term)
					if err := view.SearchNow(ctx); err != nil {
						return err
					}
				}
				for ; more > 0; more-- {
					for _, s := range view.Stages() {
						view.ShowMore(s.ID)
					}
				}
				return renderBoard(view)
			})
		},
	}
	cmd.Flags().StringVar(&filter.AssignedTo, "assigned-to", "", "only cards owned by this user")
	cmd.Flags().StringVar(&filter.AssignedTeamID, "team", "", "only cards owned by this team")
	cmd.Flags().StringVar(&term, "search", "", "search term")
	cmd.Flags().IntVar(&more, "more", 0, "widen every column window this many times")
	cmd.AddCommand(boardListCmd())
	return cmd
}

func boardListCmd() *cobra.Command {
	var filter board.Filter
	var page int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Render the board as a flat, paged list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, _, err := openBoard(ctx, e, filter)
				if err != nil {
					return err
				}
				defer view.Close()
				lp, err := view.ListPage(ctx, page-1)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lp)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Owner", "Status"})
				for _, c := range lp.Cards {
					stage := c.StageID
					if s, ok := view.Stage(c.StageID); ok {
						stage = s.Title
					}
					tw.AppendRow(table.Row{c.ID, c.Title, stage, ownerLabel(c), c.Status})
				}
				tw.SetCaption("page %d of %d (%d cards)", lp.Page+1, max(lp.TotalPages, 1), lp.Total)
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter.AssignedTo, "assigned-to", "", "only cards owned by this user")
	cmd.Flags().StringVar(&filter.AssignedTeamID, "team", "", "only cards owned by this team")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	return cmd
}

func cardMoveCmd() *cobra.Command {
	var to, over string
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Drag a card into a stage, optionally dropping it over another card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" && over == "" {
				return fmt.Errorf("--to or --over is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, local, err := openBoard(ctx, e, board.Filter{})
				if err != nil {
					return err
				}
				defer view.Close()
				for _, id := range []string{args[0], over} {
					if err := fetchUntilCached(ctx, view, id); err != nil {
						return err
					}
				}
				ctrl := board.NewController(view, local, board.ControllerOptions{
					Signals: terminalSignals{},
					Logger:  slog.Default(),
				})
				if err := ctrl.DragStart(args[0]); err != nil {
					return err
				}
				out, err := ctrl.DragEnd(ctx, args[0], board.DropTarget{StageID: to, CardID: over})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"outcome":   out.Kind.String(),
						"card_id":   out.CardID,
						"from":      out.FromStageID,
						"to":        out.ToStageID,
						"missing":   out.Missing,
						"mutations": out.Mutations,
					})
				}
				switch out.Kind {
				case board.OutcomeRejected:
					return fmt.Errorf("move rejected, missing required fields: %s", strings.Join(out.Missing, ", "))
				case board.OutcomeIgnored:
					fmt.Println("Nothing to move")
				default:
					fmt.Printf("Moved %s from %s to %s (%d cards repositioned)\n", out.CardID, out.FromStageID, out.ToStageID, len(out.Mutations))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target stage id")
	cmd.Flags().StringVar(&over, "over", "", "card id to drop over")
	return cmd
}

// openBoard builds a loaded View over the local store for the active flow.
func openBoard(ctx context.Context, e engine.Engine, filter board.Filter) (*board.View, engine.Local, error) {
	local := engine.Local{Engine: e, ActorID: viper.GetString("actor-id")}
	flowID := e.Config.Flow.ID
	stages, err := local.Stages(ctx, flowID)
	if err != nil {
		return nil, local, err
	}
	dir, err := local.Directory(ctx)
	if err != nil {
		return nil, local, err
	}
	opts := viewOptions(e.Config, flowID)
	opts.Filter = filter
	view := board.NewView(stages, board.Sources{Cards: local, Counts: local, Search: local, Names: dir}, opts)
	if err := view.Load(ctx); err != nil {
		view.Close()
		return nil, local, err
	}
	return view, local, nil
}

func viewOptions(cfg *config.Config, flowID string) board.ViewOptions {
	b := cfg.Board
	return board.ViewOptions{
		FlowID:          flowID,
		PageSize:        b.PageSize,
		WindowSize:      b.WindowSize,
		WindowIncrement: b.WindowIncrement,
		SearchMinLength: b.SearchMinLength,
		SearchDebounce:  b.SearchDebounce,
		ListPageSize:    b.ListPageSize,
		ListMaxCards:    b.ListMaxCards,
		Logger:          slog.Default(),
	}
}

// fetchUntilCached pages the board in until the card is known locally.
func fetchUntilCached(ctx context.Context, view *board.View, id string) error {
	if id == "" {
		return nil
	}
	for {
		if _, ok := view.Card(id); ok {
			return nil
		}
		if !view.HasNextPage() {
			return fmt.Errorf("card %s not found on the board", id)
		}
		if _, err := view.FetchNextPage(ctx); err != nil {
			return err
		}
	}
}

func renderBoard(view *board.View) error {
	cols := view.Columns()
	if viper.GetBool("json") {
		out := make([]map[string]any, 0, len(cols))
		for _, c := range cols {
			out = append(out, map[string]any{
				"stage_id": c.Stage.ID,
				"title":    c.Stage.Title,
				"cards":    c.Cards,
				"visible":  c.Visible,
				"matching": c.Matching,
				"total":    c.Total,
				"has_more": c.HasMore,
			})
		}
		return printJSON(out)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	header := table.Row{}
	depth := 0
	for _, c := range cols {
		header = append(header, fmt.Sprintf("%s (%d of %d)", c.Stage.Title, c.Visible, c.Total))
		depth = max(depth, len(c.Cards))
	}
	tw.AppendHeader(header)
	for i := 0; i < depth; i++ {
		row := table.Row{}
		for _, c := range cols {
			if i < len(c.Cards) {
				card := c.Cards[i]
				label := card.Title
				if owner := ownerLabel(card); owner != "" {
					label += "\n" + text.Faint.Sprint(owner)
				}
				row = append(row, label)
			} else {
				row = append(row, "")
			}
		}
		tw.AppendRow(row)
	}
	footer := table.Row{}
	for _, c := range cols {
		if c.HasMore {
			footer = append(footer, "…more")
		} else {
			footer = append(footer, "")
		}
	}
	tw.AppendFooter(footer)
	if term := view.SearchTerm(); term != "" {
		tw.SetCaption("search: %q", term)
	}
	tw.Render()
	return nil
}

// terminalSignals prints drag cues instead of animating them.
type terminalSignals struct{}

func (terminalSignals) Reject(cardID string, _ time.Duration) {
	fmt.Fprintln(os.Stderr, text.FgRed.Sprintf("✗ %s cannot leave its stage yet", cardID))
}

func (terminalSignals) Celebrate(cardID string, _ time.Duration) {
	fmt.Println(text.FgGreen.Sprintf("✓ %s completed", cardID))
}
