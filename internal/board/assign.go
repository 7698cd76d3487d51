package board

import "cardflow/internal/domain"

// ResolveAssignment computes the owner override for a card entering target.
// It returns nil when crossed is false or the stage has no defaults.
func ResolveAssignment(card domain.Card, target domain.Stage, crossed bool) *domain.Assignment {
	if !crossed {
		return nil
	}
	if user := deref(target.DefaultUserID); user != "" {
		a := &domain.Assignment{AssignedTo: &user}
		if !contains(card.Agents, user) {
			roster := make([]string, 0, len(card.Agents)+1)
			roster = append(roster, card.Agents...)
			a.Agents = append(roster, user)
		}
		return a
	}
	if team := deref(target.DefaultTeamID); team != "" {
		return &domain.Assignment{AssignedTeamID: &team}
	}
	return nil
}

// StatusFor is the status a card takes on entering stage.
func StatusFor(stage domain.Stage) domain.CardStatus {
	if stage.IsCompletion {
		return domain.StatusCompleted
	}
	return domain.StatusInProgress
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
