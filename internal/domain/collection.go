package domain

import (
	"strings"
)

// Collection describes one entity type and its insert defaults.
type Collection struct {
	Name            string
	DefaultGroupKey string
	DefaultType     string
	DefaultPriority string
}

var (
	Activities = Collection{Name: "activities", DefaultGroupKey: "pending", DefaultType: "task", DefaultPriority: "medium"}
	Projects   = Collection{Name: "projects", DefaultGroupKey: "planning", DefaultType: "project", DefaultPriority: "medium"}
)

var collections = map[string]Collection{
	Activities.Name: Activities,
	Projects.Name:   Projects,
}

var priorities = map[string]bool{"low": true, "medium": true, "high": true, "urgent": true}

// LookupCollection returns the collection registered under name.
func LookupCollection(name string) (Collection, error) {
	c, ok := collections[name]
	if !ok {
		return Collection{}, Errorf(KindNotFound, "unknown collection %s", name)
	}
	return c, nil
}

// CollectionNames lists registered collections.
func CollectionNames() []string {
	return []string{Activities.Name, Projects.Name}
}

// Prepare applies insert defaults and validates a new entity's fields.
func (c Collection) Prepare(groupKey string, f Fields) (string, Fields, error) {
	f = f.Clone()
	f.Title = strings.TrimSpace(f.Title)
	if strings.TrimSpace(groupKey) == "" {
		groupKey = c.DefaultGroupKey
	}
	if f.Type == "" {
		f.Type = c.DefaultType
	}
	if f.Priority == "" {
		f.Priority = c.DefaultPriority
	}
	if err := ValidateFields(f); err != nil {
		return "", Fields{}, err
	}
	return groupKey, f, nil
}

// ValidatePatch checks a patch against the current entity.
func (c Collection) ValidatePatch(current Entity, p Patch) error {
	if p.IsEmpty() {
		return Errorf(KindValidation, "empty update")
	}
	if err := p.validateClear(); err != nil {
		return err
	}
	if p.GroupKey != nil && strings.TrimSpace(*p.GroupKey) == "" {
		return Errorf(KindValidation, "status cannot be empty")
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return Errorf(KindValidation, "title is required")
	}
	return ValidateFields(p.Apply(current).Fields)
}

// ValidateFields enforces the structural rules shared by all collections.
func ValidateFields(f Fields) error {
	if strings.TrimSpace(f.Title) == "" {
		return Errorf(KindValidation, "title is required")
	}
	if f.Priority != "" && !priorities[f.Priority] {
		return Errorf(KindValidation, "invalid priority %q", f.Priority)
	}
	if f.Progress < 0 || f.Progress > 100 {
		return Errorf(KindValidation, "progress must be between 0 and 100")
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return Errorf(KindValidation, "end_date before start_date")
	}
	if f.Budget != nil && *f.Budget < 0 {
		return Errorf(KindValidation, "budget must not be negative")
	}
	for _, t := range f.Tags {
		if strings.TrimSpace(t) == "" {
			return Errorf(KindValidation, "empty tag")
		}
	}
	return nil
}
