// Package kanban partitions entities into board columns by status and turns a
// card drag into a single status change.
package kanban

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"boardline/internal/domain"
)

// Unclassified policies.
const (
	Drop     = "drop"
	Fallback = "fallback"
)

// UnclassifiedColumn is the column id used by the fallback policy.
const UnclassifiedColumn = "unclassified"

// Column is one board lane. An entity belongs to it when its status equals
// Canonical or any alias.
type Column struct {
	ID        string   `json:"id" yaml:"id"`
	Title     string   `json:"title" yaml:"title"`
	Canonical string   `json:"canonical" yaml:"canonical"`
	Aliases   []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

// Accepts reports whether status maps to c.
func (c Column) Accepts(status string) bool {
	if status == c.Canonical {
		return true
	}
	for _, a := range c.Aliases {
		if status == a {
			return true
		}
	}
	return false
}

// Board is an ordered set of columns.
type Board struct {
	Columns      []Column `json:"columns" yaml:"columns"`
	Unclassified string   `json:"unclassified" yaml:"unclassified"`
}

// DefaultActivityBoard mirrors the three-lane activity board, including the
// legacy status spellings still present in older rows.
func DefaultActivityBoard() Board {
	return Board{
		Columns: []Column{
			{ID: "todo", Title: "To do", Canonical: "pending", Aliases: []string{"todo", "open"}},
			{ID: "doing", Title: "In progress", Canonical: "in_progress", Aliases: []string{"doing", "in-progress"}},
			{ID: "done", Title: "Done", Canonical: "completed", Aliases: []string{"done"}},
		},
		Unclassified: Drop,
	}
}

// DefaultProjectBoard has one lane per project status.
func DefaultProjectBoard() Board {
	return Board{
		Columns: []Column{
			{ID: "planning", Title: "Planning", Canonical: "planning"},
			{ID: "active", Title: "Active", Canonical: "active"},
			{ID: "on_hold", Title: "On hold", Canonical: "on_hold"},
			{ID: "completed", Title: "Completed", Canonical: "completed"},
			{ID: "cancelled", Title: "Cancelled", Canonical: "cancelled"},
		},
		Unclassified: Drop,
	}
}

// Validate checks column ids and aliases are unique and the policy is known.
func (b Board) Validate() error {
	if len(b.Columns) == 0 {
		return fmt.Errorf("board has no columns")
	}
	switch b.Unclassified {
	case "", Drop, Fallback:
	default:
		return fmt.Errorf("unknown unclassified policy %q", b.Unclassified)
	}
	ids := map[string]bool{}
	statuses := map[string]string{}
	for _, c := range b.Columns {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("column id is required")
		}
		if c.ID == UnclassifiedColumn && b.Unclassified == Fallback {
			return fmt.Errorf("column id %s is reserved", c.ID)
		}
		if ids[c.ID] {
			return fmt.Errorf("duplicate column id %s", c.ID)
		}
		ids[c.ID] = true
		if strings.TrimSpace(c.Canonical) == "" {
			return fmt.Errorf("column %s has no canonical status", c.ID)
		}
		for _, s := range append([]string{c.Canonical}, c.Aliases...) {
			if other, ok := statuses[s]; ok && other != c.ID {
				return fmt.Errorf("status %s mapped by both %s and %s", s, other, c.ID)
			}
			statuses[s] = c.ID
		}
	}
	return nil
}

// Column returns the column with the given id.
func (b Board) Column(id string) (Column, bool) {
	for _, c := range b.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// Classify returns the id of the first column accepting status, or "" when
// none does.
func (b Board) Classify(status string) string {
	for _, c := range b.Columns {
		if c.Accepts(status) {
			return c.ID
		}
	}
	return ""
}

// Grouping maps column id to its ordered entities.
type Grouping map[string][]domain.Entity

// Counts returns the number of entities per column.
func (g Grouping) Counts() map[string]int {
	out := make(map[string]int, len(g))
	for id, list := range g {
		out[id] = len(list)
	}
	return out
}

// GroupBy assigns every entity to exactly one column. Entities matching no
// column are dropped, or collected under UnclassifiedColumn with the fallback
// policy. Every configured column is present, possibly empty.
func (b Board) GroupBy(entities []domain.Entity) Grouping {
	out := make(Grouping, len(b.Columns)+1)
	for _, c := range b.Columns {
		out[c.ID] = []domain.Entity{}
	}
	if b.Unclassified == Fallback {
		out[UnclassifiedColumn] = []domain.Entity{}
	}
	for _, e := range entities {
		id := b.Classify(e.GroupKey)
		if id == "" {
			if b.Unclassified != Fallback {
				continue
			}
			id = UnclassifiedColumn
		}
		out[id] = append(out[id], e)
	}
	for _, list := range out {
		sort.SliceStable(list, func(i, j int) bool {
			a, b := list[i], list[j]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})
	}
	return out
}

// Mover changes an entity's status.
type Mover interface {
	Move(ctx context.Context, p domain.Principal, id, groupKey string) (domain.Entity, error)
}

// Intent is the status change produced by dragging a card between columns.
type Intent struct {
	EntityID string
	From     string
	To       string
	GroupKey string
}

// Move computes the intent of dragging entityID from one column to another.
// It returns nil when the columns are the same.
func (b Board) Move(entityID, from, to string) (*Intent, error) {
	if from == to {
		return nil, nil
	}
	target, ok := b.Column(to)
	if !ok {
		return nil, domain.Errorf(domain.KindValidation, "unknown column %s", to)
	}
	return &Intent{EntityID: entityID, From: from, To: to, GroupKey: target.Canonical}, nil
}

// Apply dispatches the intent. A nil intent does nothing.
func (i *Intent) Apply(ctx context.Context, m Mover, p domain.Principal) (domain.Entity, error) {
	if i == nil {
		return domain.Entity{}, nil
	}
	return m.Move(ctx, p, i.EntityID, i.GroupKey)
}
