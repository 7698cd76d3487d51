package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cardflow/internal/domain"
	"cardflow/internal/engine"
	"cardflow/internal/repo"
)

func cardCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "card", Short: "Manage cards"}
	cmd.AddCommand(cardCreateCmd())
	cmd.AddCommand(cardUpdateCmd())
	cmd.AddCommand(cardShowCmd())
	cmd.AddCommand(cardDeleteCmd())
	cmd.AddCommand(cardListCmd())
	cmd.AddCommand(cardAdvanceCmd())
	cmd.AddCommand(cardMoveCmd())
	cmd.AddCommand(cardTreeCmd())
	return cmd
}

func cardCreateCmd() *cobra.Command {
	var id, title, parent, assignee, team string
	var values []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a card in the first stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			vals, err := parseValues(values)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				card, err := e.CreateCard(ctx, engine.CardCreateOptions{
					ID:             id,
					FlowID:         e.Config.Flow.ID,
					Title:          title,
					Values:         vals,
					ParentID:       parent,
					AssignedTo:     assignee,
					AssignedTeamID: team,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printCard(card)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "card id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "card title")
	cmd.Flags().StringVar(&parent, "parent", "", "parent card id")
	cmd.Flags().StringVar(&assignee, "assign", "", "owner user id")
	cmd.Flags().StringVar(&team, "team", "", "owner team id")
	cmd.Flags().StringArrayVar(&values, "value", nil, "field value as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func cardUpdateCmd() *cobra.Command {
	var title, parent, assignee, team, status string
	var values, checks, unchecks []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a card's title, values, checklist, owner or status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vals, err := parseValues(values)
			if err != nil {
				return err
			}
			checklist, err := parseChecklist(checks, unchecks)
			if err != nil {
				return err
			}
			opts := engine.CardUpdateOptions{
				ID:           args[0],
				ActorID:      viper.GetString("actor-id"),
				Values:       vals,
				ValuesSet:    len(vals) > 0,
				Checklist:    checklist,
				ChecklistSet: len(checklist) > 0,
			}
			flags := cmd.Flags()
			if flags.Changed("title") {
				opts.Title = &title
			}
			if flags.Changed("parent") {
				opts.SetParent = &parent
			}
			if flags.Changed("assign") {
				opts.SetAssignee = &assignee
			}
			if flags.Changed("team") {
				opts.SetTeam = &team
			}
			if flags.Changed("status") {
				st := domain.CardStatus(status)
				if !st.Valid() {
					return fmt.Errorf("invalid status %q", status)
				}
				opts.Status = &st
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := cardInActiveFlow(ctx, e, args[0]); err != nil {
					return err
				}
				card, err := e.UpdateCard(ctx, opts)
				if err != nil {
					return err
				}
				return printCard(card)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&parent, "parent", "", "parent card id (empty clears)")
	cmd.Flags().StringVar(&assignee, "assign", "", "owner user id (empty clears)")
	cmd.Flags().StringVar(&team, "team", "", "owner team id (empty clears)")
	cmd.Flags().StringVar(&status, "status", "", "status (inprogress, completed, canceled)")
	cmd.Flags().StringArrayVar(&values, "value", nil, "field value as key=value (repeatable, empty value removes)")
	cmd.Flags().StringArrayVar(&checks, "check", nil, "check a checklist item as field=item (repeatable)")
	cmd.Flags().StringArrayVar(&unchecks, "uncheck", nil, "uncheck a checklist item as field=item (repeatable)")
	return cmd
}

func cardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				card, err := cardInActiveFlow(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printCard(card)
			})
		},
	}
}

func cardDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := cardInActiveFlow(ctx, e, args[0]); err != nil {
					return err
				}
				if err := e.DeleteCard(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("Deleted", args[0])
				return nil
			})
		},
	}
}

func cardListCmd() *cobra.Command {
	var f repo.CardFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.FlowID = e.Config.Flow.ID
				cards, err := e.Repo.ListCards(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Position", "Owner", "Status"})
				for _, c := range cards {
					tw.AppendRow(table.Row{c.ID, c.Title, c.StageID, c.Position, ownerLabel(c), c.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.StageID, "stage", "", "filter by stage")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "filter by owner user")
	cmd.Flags().StringVar(&f.AssignedTeamID, "team", "", "filter by owner team")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "filter by parent card")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max cards")
	return cmd
}

func cardAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <id>",
		Short: "Move a card to the next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := cardInActiveFlow(ctx, e, args[0]); err != nil {
					return err
				}
				card, err := e.AdvanceCard(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printCard(card)
			})
		},
	}
}

func cardTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Show cards as a parent/child tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cards, err := e.Repo.ListCards(ctx, repo.CardFilters{FlowID: e.Config.Flow.ID})
				if err != nil {
					return err
				}
				byID := make(map[string]bool, len(cards))
				for _, c := range cards {
					byID[c.ID] = true
				}
				children := map[string][]domain.Card{}
				var roots []domain.Card
				for _, c := range cards {
					if c.ParentID != nil && byID[*c.ParentID] {
						children[*c.ParentID] = append(children[*c.ParentID], c)
						continue
					}
					roots = append(roots, c)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"roots": roots, "children": children})
				}
				for i, r := range roots {
					printCardTree(r, children, "", i == len(roots)-1)
				}
				return nil
			})
		},
	}
}

func printCardTree(c domain.Card, children map[string][]domain.Card, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s/%s]\n", prefix, connector, c.Title, c.StageID, c.Status)
	for i, child := range children[c.ID] {
		printCardTree(child, children, newPrefix, i == len(children[c.ID])-1)
	}
}

// cardInActiveFlow loads a card and rejects ids from other flows.
func cardInActiveFlow(ctx context.Context, e engine.Engine, id string) (domain.Card, error) {
	card, err := e.Repo.GetCard(ctx, id)
	if err != nil {
		return domain.Card{}, err
	}
	if card.FlowID != e.Config.Flow.ID {
		return domain.Card{}, fmt.Errorf("card %s belongs to flow %s, not %s", id, card.FlowID, e.Config.Flow.ID)
	}
	return card, nil
}

func printCard(c domain.Card) error {
	if viper.GetBool("json") {
		return printJSON(c)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"ID", c.ID})
	tw.AppendRow(table.Row{"Title", c.Title})
	tw.AppendRow(table.Row{"Stage", c.StageID})
	tw.AppendRow(table.Row{"Position", c.Position})
	tw.AppendRow(table.Row{"Status", c.Status})
	tw.AppendRow(table.Row{"Owner", ownerLabel(c)})
	if len(c.Agents) > 0 {
		tw.AppendRow(table.Row{"Agents", strings.Join(c.Agents, ", ")})
	}
	if c.ParentID != nil {
		tw.AppendRow(table.Row{"Parent", *c.ParentID})
	}
	keys := make([]string, 0, len(c.Values))
	for k := range c.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tw.AppendRow(table.Row{k, c.Values[k]})
	}
	for field, items := range c.Checklist {
		var done []string
		for item, ok := range items {
			if ok {
				done = append(done, item)
			}
		}
		sort.Strings(done)
		tw.AppendRow(table.Row{field, fmt.Sprintf("%d/%d: %s", len(done), len(items), strings.Join(done, ", "))})
	}
	tw.Render()
	return nil
}

func printStages(stages []domain.Stage) error {
	if viper.GetBool("json") {
		return printJSON(stages)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "ID", "Title", "Required", "Default owner", "Completion"})
	for _, s := range stages {
		var required []string
		for _, f := range s.Fields {
			if f.Required {
				required = append(required, f.Label)
			}
		}
		owner := ""
		if s.DefaultUserID != nil {
			owner = "user:" + *s.DefaultUserID
		} else if s.DefaultTeamID != nil {
			owner = "team:" + *s.DefaultTeamID
		}
		tw.AppendRow(table.Row{s.Ordinal, s.ID, s.Title, strings.Join(required, ", "), owner, s.IsCompletion})
	}
	tw.Render()
	return nil
}

func ownerLabel(c domain.Card) string {
	user, team := c.Owner()
	switch {
	case user != "":
		return "user:" + user
	case team != "":
		return "team:" + team
	}
	return ""
}

// parseValues reads key=value pairs. Numbers become float64 and an empty value
// removes the key on update.
func parseValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid value %q, expected key=value", p)
		}
		switch {
		case v == "":
			out[k] = nil
		default:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				out[k] = f
			} else {
				out[k] = v
			}
		}
	}
	return out, nil
}

func parseChecklist(checks, unchecks []string) (map[string]map[string]bool, error) {
	out := map[string]map[string]bool{}
	add := func(pairs []string, done bool) error {
		for _, p := range pairs {
			field, item, ok := strings.Cut(p, "=")
			if !ok || field == "" || item == "" {
				return fmt.Errorf("invalid checklist item %q, expected field=item", p)
			}
			if out[field] == nil {
				out[field] = map[string]bool{}
			}
			out[field][item] = done
		}
		return nil
	}
	if err := add(checks, true); err != nil {
		return nil, err
	}
	if err := add(unchecks, false); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
