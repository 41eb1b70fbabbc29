package filter

import (
	"fmt"
	"sort"
	"strings"

	"boardline/internal/domain"
)

// SQL is a query rendered for the SQLite entity table. Conditions are ANDed.
type SQL struct {
	Conditions []string
	Args       []any
	OrderBy    string
	Limit      int
	Offset     int
}

// ToSQL renders q with the same semantics Compile gives in memory.
func ToSQL(q Query) (SQL, error) {
	if err := q.Validate(); err != nil {
		return SQL{}, err
	}
	var out SQL
	if term := strings.TrimSpace(q.Search); term != "" {
		var ors []string
		for _, name := range q.searchFields() {
			f, _ := lookup(name)
			ors = append(ors, fmt.Sprintf("instr(lower(COALESCE(%s,'')), ?) > 0", f.column))
			out.Args = append(out.Args, foldASCII(term))
		}
		out.Conditions = append(out.Conditions, "("+strings.Join(ors, " OR ")+")")
	}
	// map order is random; keep the SQL text stable
	names := make([]string, 0, len(q.Equals))
	for name, v := range q.Equals {
		if v != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		f, _ := lookup(name)
		out.Conditions = append(out.Conditions, f.column+"=?")
		out.Args = append(out.Args, q.Equals[name])
	}
	if q.Tag != "" {
		out.Conditions = append(out.Conditions, "EXISTS (SELECT 1 FROM json_each(COALESCE(tags_json,'[]')) WHERE json_each.value = ?)")
		out.Args = append(out.Args, q.Tag)
	}
	flags := make([]string, 0, len(q.Flags))
	for name := range q.Flags {
		flags = append(flags, name)
	}
	sort.Strings(flags)
	for _, name := range flags {
		f, _ := lookup(name)
		out.Conditions = append(out.Conditions, f.column+"=?")
		out.Args = append(out.Args, boolInt(q.Flags[name]))
	}
	if q.From != nil || q.To != nil {
		f, _ := lookup(q.dateField())
		out.Conditions = append(out.Conditions, f.column+" IS NOT NULL")
		if q.From != nil {
			out.Conditions = append(out.Conditions, f.column+" >= ?")
			out.Args = append(out.Args, domain.FormatTime(*q.From))
		}
		if q.To != nil {
			out.Conditions = append(out.Conditions, f.column+" <= ?")
			out.Args = append(out.Args, domain.FormatTime(*q.To))
		}
	}
	var order []string
	for _, k := range q.SortKeys() {
		f, _ := lookup(k.Field)
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		order = append(order, f.column+" "+dir)
	}
	out.OrderBy = strings.Join(order, ", ")
	if q.PageSize > 0 {
		out.Limit = q.PageSize
		out.Offset = q.Offset()
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
