// Package filter turns a declarative query into either an in-memory
// predicate/comparator pair or SQL, with the same semantics on both paths.
package filter

import (
	"sort"
	"strings"
	"time"

	"boardline/internal/domain"
)

// SortKey orders by one field.
type SortKey struct {
	Field string
	Desc  bool
}

// Query is a declarative filter, sort and pagination request.
type Query struct {
	Search       string
	SearchFields []string
	Equals       map[string]string
	Tag          string
	Flags        map[string]bool
	DateField    string
	From         *time.Time
	To           *time.Time
	Sort         []SortKey
	Page         int
	PageSize     int
}

var (
	defaultSearchFields = []string{"title", "description"}
	defaultSort         = []SortKey{{Field: "created_at", Desc: true}}
)

// Predicate reports whether an entity matches a query.
type Predicate func(domain.Entity) bool

// Comparator returns <0, 0 or >0 like strings.Compare.
type Comparator func(a, b domain.Entity) int

// Unpaged returns q without pagination.
func (q Query) Unpaged() Query {
	q.Page = 0
	q.PageSize = 0
	return q
}

func (q Query) searchFields() []string {
	if len(q.SearchFields) == 0 {
		return defaultSearchFields
	}
	return q.SearchFields
}

func (q Query) dateField() string {
	if q.DateField == "" {
		return "due_date"
	}
	return q.DateField
}

// SortKeys returns the effective ordering, always ending with id ascending.
func (q Query) SortKeys() []SortKey {
	keys := q.Sort
	if len(keys) == 0 {
		keys = defaultSort
	}
	out := make([]SortKey, 0, len(keys)+1)
	for _, k := range keys {
		if k.Field == "id" {
			out = append(out, k)
			return out
		}
		out = append(out, k)
	}
	return append(out, SortKey{Field: "id"})
}

// Validate checks that every referenced field exists and fits its role.
func (q Query) Validate() error {
	if q.PageSize < 0 {
		return domain.Errorf(domain.KindValidation, "page_size must not be negative")
	}
	if strings.TrimSpace(q.Search) != "" {
		for _, name := range q.searchFields() {
			if _, err := lookup(name, kindString); err != nil {
				return err
			}
		}
	}
	for name := range q.Equals {
		if !categorical[name] {
			return domain.Errorf(domain.KindValidation, "field %s is not filterable", name)
		}
	}
	for name := range q.Flags {
		if _, err := lookup(name, kindBool); err != nil {
			return err
		}
	}
	if q.From != nil || q.To != nil {
		if _, err := lookup(q.dateField(), kindTime); err != nil {
			return err
		}
		if q.From != nil && q.To != nil && q.To.Before(*q.From) {
			return domain.Errorf(domain.KindValidation, "date range upper bound before lower bound")
		}
	}
	for _, k := range q.Sort {
		if _, err := lookup(k.Field); err != nil {
			return err
		}
	}
	return nil
}

// Compile builds the predicate and comparator for q.
func Compile(q Query) (Predicate, Comparator, error) {
	if err := q.Validate(); err != nil {
		return nil, nil, err
	}
	var preds []Predicate
	if term := strings.TrimSpace(q.Search); term != "" {
		needle := foldASCII(term)
		var getters []field
		for _, name := range q.searchFields() {
			f, _ := lookup(name)
			getters = append(getters, f)
		}
		preds = append(preds, func(e domain.Entity) bool {
			for _, f := range getters {
				if strings.Contains(foldASCII(f.get(e).(string)), needle) {
					return true
				}
			}
			return false
		})
	}
	for name, want := range q.Equals {
		if want == "" {
			continue
		}
		f, _ := lookup(name)
		want := want
		preds = append(preds, func(e domain.Entity) bool { return f.get(e).(string) == want })
	}
	if q.Tag != "" {
		tag := q.Tag
		preds = append(preds, func(e domain.Entity) bool { return e.Fields.HasTag(tag) })
	}
	for name, want := range q.Flags {
		f, _ := lookup(name)
		want := want
		preds = append(preds, func(e domain.Entity) bool { return f.get(e).(bool) == want })
	}
	if q.From != nil || q.To != nil {
		f, _ := lookup(q.dateField())
		from, to := q.From, q.To
		preds = append(preds, func(e domain.Entity) bool {
			v := f.get(e).(*time.Time)
			if v == nil {
				return false
			}
			if from != nil && v.Before(*from) {
				return false
			}
			if to != nil && v.After(*to) {
				return false
			}
			return true
		})
	}
	pred := func(e domain.Entity) bool {
		for _, p := range preds {
			if !p(e) {
				return false
			}
		}
		return true
	}

	keys := q.SortKeys()
	cmp := func(a, b domain.Entity) int {
		for _, k := range keys {
			f, _ := lookup(k.Field)
			c := compareValues(f.kind, f.get(a), f.get(b))
			if k.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
	return pred, cmp, nil
}

// Apply filters, sorts and pages entities. total counts matches before paging.
// A page past the end is empty, never an error.
func Apply(entities []domain.Entity, q Query) ([]domain.Entity, int, error) {
	pred, cmp, err := Compile(q)
	if err != nil {
		return nil, 0, err
	}
	matched := make([]domain.Entity, 0, len(entities))
	for _, e := range entities {
		if pred(e) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return cmp(matched[i], matched[j]) < 0 })
	total := len(matched)
	start, end := bounds(q, total)
	return matched[start:end], total, nil
}

// Offset returns the zero-based index of the first row of q's page.
func (q Query) Offset() int {
	if q.PageSize <= 0 {
		return 0
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	return (page - 1) * q.PageSize
}

func bounds(q Query, total int) (int, int) {
	if q.PageSize <= 0 {
		return 0, total
	}
	start := q.Offset()
	if start >= total {
		return total, total
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}
	return start, end
}
