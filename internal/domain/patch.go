package domain

import "time"

// Patch is a partial update. Nil pointers leave a field untouched; Clear
// names fields to reset to their zero value before the rest is applied.
type Patch struct {
	GroupKey      *string        `json:"status,omitempty"`
	Title         *string        `json:"title,omitempty"`
	Description   *string        `json:"description,omitempty"`
	Type          *string        `json:"type,omitempty"`
	Priority      *string        `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	DueDate       *time.Time     `json:"due_date,omitempty" format:"date-time"`
	StartDate     *time.Time     `json:"start_date,omitempty" format:"date-time"`
	EndDate       *time.Time     `json:"end_date,omitempty" format:"date-time"`
	ResponsibleID *string        `json:"responsible_id,omitempty"`
	ProjectID     *string        `json:"project_id,omitempty"`
	WorkGroup     *string        `json:"work_group,omitempty"`
	Department    *string        `json:"department,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Progress      *int           `json:"progress,omitempty"`
	IsUrgent      *bool          `json:"is_urgent,omitempty"`
	IsPublic      *bool          `json:"is_public,omitempty"`
	Budget        *float64       `json:"budget,omitempty"`
	Notes         *string        `json:"notes,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
	Clear         []string       `json:"clear,omitempty"`
}

var clearable = map[string]func(*Fields){
	"description":    func(f *Fields) { f.Description = "" },
	"due_date":       func(f *Fields) { f.DueDate = nil },
	"start_date":     func(f *Fields) { f.StartDate = nil },
	"end_date":       func(f *Fields) { f.EndDate = nil },
	"responsible_id": func(f *Fields) { f.ResponsibleID = "" },
	"project_id":     func(f *Fields) { f.ProjectID = "" },
	"work_group":     func(f *Fields) { f.WorkGroup = "" },
	"department":     func(f *Fields) { f.Department = "" },
	"tags":           func(f *Fields) { f.Tags = nil },
	"budget":         func(f *Fields) { f.Budget = nil },
	"notes":          func(f *Fields) { f.Notes = "" },
	"extra":          func(f *Fields) { f.Extra = nil },
}

// IsEmpty reports whether applying p would change nothing.
func (p Patch) IsEmpty() bool {
	return p.GroupKey == nil && p.Title == nil && p.Description == nil && p.Type == nil &&
		p.Priority == nil && p.DueDate == nil && p.StartDate == nil && p.EndDate == nil &&
		p.ResponsibleID == nil && p.ProjectID == nil && p.WorkGroup == nil && p.Department == nil &&
		p.Tags == nil && p.Progress == nil && p.IsUrgent == nil && p.IsPublic == nil &&
		p.Budget == nil && p.Notes == nil && len(p.Extra) == 0 && len(p.Clear) == 0
}

// Apply returns a copy of e with p merged in. Timestamps are not touched.
func (p Patch) Apply(e Entity) Entity {
	out := e.Clone()
	f := &out.Fields
	for _, name := range p.Clear {
		if reset, ok := clearable[name]; ok {
			reset(f)
		}
	}
	if p.GroupKey != nil {
		out.GroupKey = *p.GroupKey
	}
	setString(&f.Title, p.Title)
	setString(&f.Description, p.Description)
	setString(&f.Type, p.Type)
	setString(&f.Priority, p.Priority)
	setString(&f.ResponsibleID, p.ResponsibleID)
	setString(&f.ProjectID, p.ProjectID)
	setString(&f.WorkGroup, p.WorkGroup)
	setString(&f.Department, p.Department)
	setString(&f.Notes, p.Notes)
	if p.DueDate != nil {
		f.DueDate = cloneTime(p.DueDate)
	}
	if p.StartDate != nil {
		f.StartDate = cloneTime(p.StartDate)
	}
	if p.EndDate != nil {
		f.EndDate = cloneTime(p.EndDate)
	}
	if p.Tags != nil {
		f.Tags = append([]string(nil), p.Tags...)
	}
	if p.Progress != nil {
		f.Progress = *p.Progress
	}
	if p.IsUrgent != nil {
		f.IsUrgent = *p.IsUrgent
	}
	if p.IsPublic != nil {
		f.IsPublic = *p.IsPublic
	}
	if p.Budget != nil {
		b := *p.Budget
		f.Budget = &b
	}
	if len(p.Extra) > 0 {
		if f.Extra == nil {
			f.Extra = map[string]any{}
		}
		for k, v := range p.Extra {
			if v == nil {
				delete(f.Extra, k)
				continue
			}
			f.Extra[k] = v
		}
		if len(f.Extra) == 0 {
			f.Extra = nil
		}
	}
	return out
}

func (p Patch) validateClear() error {
	for _, name := range p.Clear {
		if _, ok := clearable[name]; !ok {
			return Errorf(KindValidation, "field %s cannot be cleared", name)
		}
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// StatusPatch is the patch a move produces.
func StatusPatch(groupKey string) Patch {
	return Patch{GroupKey: &groupKey}
}

