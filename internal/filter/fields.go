package filter

import (
	"strings"
	"time"

	"boardline/internal/domain"
)

type valueKind int

const (
	kindString valueKind = iota
	kindTime
	kindInt
	kindFloat
	kindBool
)

// field binds a query field name to an entity accessor and a SQL column.
type field struct {
	column string
	kind   valueKind
	get    func(domain.Entity) any
}

// categorical fields accept exact-match filters.
var categorical = map[string]bool{
	"status":         true,
	"priority":       true,
	"type":           true,
	"responsible_id": true,
	"project_id":     true,
	"work_group":     true,
	"department":     true,
	"tenant_id":      true,
	"owner_id":       true,
}

var fields = map[string]field{
	"id":             {column: "id", kind: kindString, get: func(e domain.Entity) any { return e.ID }},
	"owner_id":       {column: "owner_id", kind: kindString, get: func(e domain.Entity) any { return e.OwnerID }},
	"tenant_id":      {column: "tenant_id", kind: kindString, get: func(e domain.Entity) any { return e.TenantID }},
	"status":         {column: "status", kind: kindString, get: func(e domain.Entity) any { return e.GroupKey }},
	"created_at":     {column: "created_at", kind: kindTime, get: func(e domain.Entity) any { return timePtr(e.CreatedAt) }},
	"updated_at":     {column: "updated_at", kind: kindTime, get: func(e domain.Entity) any { return timePtr(e.UpdatedAt) }},
	"title":          {column: "title", kind: kindString, get: func(e domain.Entity) any { return e.Fields.Title }},
	"description":    {column: "description", kind: kindString, get: func(e domain.Entity) any { return e.Fields.Description }},
	"type":           {column: "type", kind: kindString, get: func(e domain.Entity) any { return e.Fields.Type }},
	"priority":       {column: "priority", kind: kindString, get: func(e domain.Entity) any { return e.Fields.Priority }},
	"due_date":       {column: "due_date", kind: kindTime, get: func(e domain.Entity) any { return e.Fields.DueDate }},
	"start_date":     {column: "start_date", kind: kindTime, get: func(e domain.Entity) any { return e.Fields.StartDate }},
	"end_date":       {column: "end_date", kind: kindTime, get: func(e domain.Entity) any { return e.Fields.EndDate }},
	"responsible_id": {column: "responsible_id", kind: kindString, get: func(e domain.Entity) any { return e.Fields.ResponsibleID }},
	"project_id":     {column: "project_id", kind: kindString, get: func(e domain.Entity) any { return e.Fields.ProjectID }},
	"work_group":     {column: "work_group", kind: kindString, get: func(e domain.Entity) any { return e.Fields.WorkGroup }},
	"department":     {column: "department", kind: kindString, get: func(e domain.Entity) any { return e.Fields.Department }},
	"notes":          {column: "notes", kind: kindString, get: func(e domain.Entity) any { return e.Fields.Notes }},
	"progress":       {column: "progress", kind: kindInt, get: func(e domain.Entity) any { return e.Fields.Progress }},
	"budget":         {column: "budget", kind: kindFloat, get: func(e domain.Entity) any { return e.Fields.Budget }},
	"is_urgent":      {column: "is_urgent", kind: kindBool, get: func(e domain.Entity) any { return e.Fields.IsUrgent }},
	"is_public":      {column: "is_public", kind: kindBool, get: func(e domain.Entity) any { return e.Fields.IsPublic }},
}

func lookup(name string, kinds ...valueKind) (field, error) {
	f, ok := fields[name]
	if !ok {
		return field{}, domain.Errorf(domain.KindValidation, "unknown field %s", name)
	}
	if len(kinds) == 0 {
		return f, nil
	}
	for _, k := range kinds {
		if f.kind == k {
			return f, nil
		}
	}
	return field{}, domain.Errorf(domain.KindValidation, "field %s not usable here", name)
}

// compareValues orders two values of the same kind. Nil and empty values sort
// first, matching SQLite's NULL ordering for ascending sorts.
func compareValues(kind valueKind, a, b any) int {
	switch kind {
	case kindString:
		return strings.Compare(a.(string), b.(string))
	case kindTime:
		ta, tb := a.(*time.Time), b.(*time.Time)
		switch {
		case ta == nil && tb == nil:
			return 0
		case ta == nil:
			return -1
		case tb == nil:
			return 1
		}
		return ta.Compare(*tb)
	case kindInt:
		ia, ib := a.(int), b.(int)
		switch {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		}
		return 0
	case kindFloat:
		fa, fb := a.(*float64), b.(*float64)
		switch {
		case fa == nil && fb == nil:
			return 0
		case fa == nil:
			return -1
		case fb == nil:
			return 1
		case *fa < *fb:
			return -1
		case *fa > *fb:
			return 1
		}
		return 0
	case kindBool:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	}
	return 0
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// foldASCII lowercases ASCII letters only, the same folding SQLite's lower() does.
func foldASCII(s string) string {
	b := []byte(s)
	changed := false
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
			changed = true
		}
	}
	if !changed {
		return s
	}
	return string(b)
}
