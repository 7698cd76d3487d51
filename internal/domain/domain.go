package domain

import "time"

type CardStatus string

const (
	StatusInProgress CardStatus = "inprogress"
	StatusCompleted  CardStatus = "completed"
	StatusCanceled   CardStatus = "canceled"
)

func (s CardStatus) Valid() bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

const FieldTypeChecklist = "checklist"

type Flow struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Stages    []Stage   `json:"stages"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// FirstStage returns the stage with the lowest ordinal.
func (f Flow) FirstStage() (Stage, bool) {
	if len(f.Stages) == 0 {
		return Stage{}, false
	}
	first := f.Stages[0]
	for _, s := range f.Stages[1:] {
		if s.Ordinal < first.Ordinal {
			first = s
		}
	}
	return first, true
}

func (f Flow) Stage(id string) (Stage, bool) {
	for _, s := range f.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// Stage is one ordered phase of a flow ("step").
type Stage struct {
	ID            string            `json:"id"`
	FlowID        string            `json:"flow_id"`
	Title         string            `json:"title"`
	Ordinal       int               `json:"ordinal"`
	IsCompletion  bool              `json:"is_completion"`
	DefaultUserID *string           `json:"default_user_id,omitempty"`
	DefaultTeamID *string           `json:"default_team_id,omitempty"`
	Fields        []FieldDefinition `json:"fields,omitempty"`
}

type FieldDefinition struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Items    []string `json:"items,omitempty"`
	Options  []string `json:"options,omitempty"`
}

type Card struct {
	ID             string                     `json:"id"`
	FlowID         string                     `json:"flow_id"`
	StageID        string                     `json:"stage_id"`
	Title          string                     `json:"title"`
	Values         map[string]any             `json:"values,omitempty"`
	Checklist      map[string]map[string]bool `json:"checklist,omitempty"`
	Position       int64                      `json:"position"`
	AssignedTo     *string                    `json:"assigned_to,omitempty"`
	AssignedTeamID *string                    `json:"assigned_team_id,omitempty"`
	Agents         []string                   `json:"agents,omitempty"`
	Status         CardStatus                 `json:"status" enum:"inprogress,completed,canceled"`
	ParentID       *string                    `json:"parent_id,omitempty"`
	CreatedAt      time.Time                  `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time                  `json:"updated_at" format:"date-time"`
}

// Owner reports the current owner for display; the user wins over the team.
func (c Card) Owner() (userID, teamID string) {
	if c.AssignedTo != nil && *c.AssignedTo != "" {
		return *c.AssignedTo, ""
	}
	if c.AssignedTeamID != nil && *c.AssignedTeamID != "" {
		return "", *c.AssignedTeamID
	}
	return "", ""
}

// Assignment is the owner override carried by a mutation. When present both
// owner keys are authoritative (nil clears); a nil Agents leaves the roster alone.
type Assignment struct {
	AssignedTo     *string  `json:"assigned_to"`
	AssignedTeamID *string  `json:"assigned_team_id"`
	Agents         []string `json:"agents,omitempty"`
}

// ReorderMutation is one planned write of a drag operation.
type ReorderMutation struct {
	CardID     string      `json:"id"`
	StageID    string      `json:"stage_id"`
	Position   int64       `json:"position"`
	Status     *CardStatus `json:"status,omitempty"`
	Assignment *Assignment `json:"assignment,omitempty"`
}

// Apply writes the mutation onto a copy of c.
func (m ReorderMutation) Apply(c Card) Card {
	c.StageID = m.StageID
	c.Position = m.Position
	if m.Status != nil {
		c.Status = *m.Status
	}
	if m.Assignment != nil {
		c.AssignedTo = m.Assignment.AssignedTo
		c.AssignedTeamID = m.Assignment.AssignedTeamID
		if m.Assignment.Agents != nil {
			c.Agents = append([]string(nil), m.Assignment.Agents...)
		}
	}
	return c
}

type User struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
}

type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	FlowID     string `json:"flow_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
