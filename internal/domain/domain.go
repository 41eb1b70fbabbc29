package domain

import (
	"strings"
	"time"
)

// TimeLayout is a fixed-width UTC layout; lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// TempIDPrefix marks ids generated on the client before the remote assigns one.
const TempIDPrefix = "tmp-"

// Entity is one row of a collection (an activity or a project).
type Entity struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	GroupKey  string    `json:"status"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
	Fields    Fields    `json:"fields"`
}

// Fields holds the known attributes plus an open extension map.
type Fields struct {
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Type          string         `json:"type,omitempty"`
	Priority      string         `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	DueDate       *time.Time     `json:"due_date,omitempty" format:"date-time"`
	StartDate     *time.Time     `json:"start_date,omitempty" format:"date-time"`
	EndDate       *time.Time     `json:"end_date,omitempty" format:"date-time"`
	ResponsibleID string         `json:"responsible_id,omitempty"`
	ProjectID     string         `json:"project_id,omitempty"`
	WorkGroup     string         `json:"work_group,omitempty"`
	Department    string         `json:"department,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Progress      int            `json:"progress" minimum:"0" maximum:"100" required:"false"`
	IsUrgent      bool           `json:"is_urgent" required:"false"`
	IsPublic      bool           `json:"is_public" required:"false"`
	Budget        *float64       `json:"budget,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Principal identifies who is acting. It is passed explicitly on every call.
type Principal struct {
	OwnerID  string `json:"owner_id"`
	TenantID string `json:"tenant_id,omitempty"`
	Token    string `json:"-"`
	APIKey   string `json:"-"`
}

// Authenticated reports whether the principal carries an owner identity.
func (p Principal) Authenticated() bool {
	return strings.TrimSpace(p.OwnerID) != ""
}

// IsTemp reports whether id was generated locally and is not yet confirmed.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Clone returns a deep copy so cached entities never share mutable state.
func (e Entity) Clone() Entity {
	e.Fields = e.Fields.Clone()
	return e
}

func (f Fields) Clone() Fields {
	f.DueDate = cloneTime(f.DueDate)
	f.StartDate = cloneTime(f.StartDate)
	f.EndDate = cloneTime(f.EndDate)
	if f.Tags != nil {
		f.Tags = append([]string(nil), f.Tags...)
	}
	if f.Budget != nil {
		b := *f.Budget
		f.Budget = &b
	}
	if f.Extra != nil {
		extra := make(map[string]any, len(f.Extra))
		for k, v := range f.Extra {
			extra[k] = v
		}
		f.Extra = extra
	}
	return f
}

// HasTag reports whether tag is present on the entity.
func (f Fields) HasTag(tag string) bool {
	for _, t := range f.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses TimeLayout or any RFC3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t.UTC(), nil
	}
	t, err = time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
