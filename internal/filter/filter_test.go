package filter

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardline/internal/domain"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func entity(id, status, title string, createdOffset int) domain.Entity {
	return domain.Entity{
		ID:        id,
		OwnerID:   "u1",
		GroupKey:  status,
		CreatedAt: base.Add(time.Duration(createdOffset) * time.Minute),
		UpdatedAt: base.Add(time.Duration(createdOffset) * time.Minute),
		Fields:    domain.Fields{Title: title, Priority: "medium"},
	}
}

func ids(es []domain.Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}

func TestApplyDefaultsToNewestFirst(t *testing.T) {
	list := []domain.Entity{
		entity("a", "pending", "one", 1),
		entity("b", "pending", "two", 3),
		entity("c", "pending", "three", 2),
	}
	page, total, err := Apply(list, Query{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"b", "c", "a"}, ids(page))
}

func TestApplyTieBreaksOnID(t *testing.T) {
	list := []domain.Entity{
		entity("z", "pending", "same", 1),
		entity("m", "pending", "same", 1),
		entity("a", "pending", "same", 1),
	}
	page, _, err := Apply(list, Query{Sort: []SortKey{{Field: "title", Desc: true}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "m", "z"}, ids(page))
}

func TestSearchIsCaseInsensitiveAcrossFields(t *testing.T) {
	a := entity("a", "pending", "Quarterly REPORT", 1)
	b := entity("b", "pending", "call client", 2)
	b.Fields.Description = "discuss the report draft"
	c := entity("c", "pending", "lunch", 3)
	page, total, err := Apply([]domain.Entity{a, b, c}, Query{Search: "  Report "})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(page))
}

func TestCategoricalFlagAndTagFilters(t *testing.T) {
	a := entity("a", "pending", "a", 1)
	a.Fields.Priority = "high"
	a.Fields.IsUrgent = true
	a.Fields.Tags = []string{"sales"}
	b := entity("b", "pending", "b", 2)
	b.Fields.Priority = "high"
	c := entity("c", "completed", "c", 3)
	c.Fields.Priority = "high"
	c.Fields.IsUrgent = true
	c.Fields.Tags = []string{"sales", "q1"}

	page, total, err := Apply([]domain.Entity{a, b, c}, Query{
		Equals: map[string]string{"priority": "high", "status": "pending"},
		Flags:  map[string]bool{"is_urgent": true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []string{"a"}, ids(page))

	page, _, err = Apply([]domain.Entity{a, b, c}, Query{Tag: "sales"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(page))
}

func TestDateRangeIsInclusiveAndSkipsUndated(t *testing.T) {
	day := func(d int) *time.Time {
		v := time.Date(2024, 5, d, 0, 0, 0, 0, time.UTC)
		return &v
	}
	var list []domain.Entity
	for i, d := range []int{1, 5, 10, 15} {
		e := entity(fmt.Sprintf("e%d", i), "pending", "t", i)
		e.Fields.DueDate = day(d)
		list = append(list, e)
	}
	list = append(list, entity("undated", "pending", "t", 9))

	page, total, err := Apply(list, Query{From: day(5), To: day(10), Sort: []SortKey{{Field: "due_date"}}})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{"e1", "e2"}, ids(page))

	_, total, err = Apply(list, Query{To: day(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSortPutsMissingValuesFirstAscending(t *testing.T) {
	d := base.Add(48 * time.Hour)
	a := entity("a", "pending", "a", 1)
	a.Fields.DueDate = &d
	b := entity("b", "pending", "b", 2)

	page, _, err := Apply([]domain.Entity{a, b}, Query{Sort: []SortKey{{Field: "due_date"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(page))

	page, _, err = Apply([]domain.Entity{a, b}, Query{Sort: []SortKey{{Field: "due_date", Desc: true}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(page))
}

func TestPageBeyondEndIsEmptyWithTotal(t *testing.T) {
	var list []domain.Entity
	for i := 0; i < 7; i++ {
		list = append(list, entity(fmt.Sprintf("e%d", i), "pending", "t", i))
	}
	page, total, err := Apply(list, Query{Page: 4, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	assert.Empty(t, page)

	page, total, err = Apply(list, Query{Page: 3, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	assert.Equal(t, []string{"e0"}, ids(page))
}

func TestValidateRejectsUnknownFields(t *testing.T) {
	cases := map[string]Query{
		"sort":     {Sort: []SortKey{{Field: "nope"}}},
		"equals":   {Equals: map[string]string{"title": "x"}},
		"flag":     {Flags: map[string]bool{"status": true}},
		"date":     {DateField: "title", From: &base},
		"search":   {Search: "x", SearchFields: []string{"progress"}},
		"inverted": {From: ptrTime(base.Add(time.Hour)), To: &base},
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Apply(nil, q)
			require.Error(t, err)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
}

// Pagination property: for any query, total counts every match and each page
// is exactly the matching slice of the fully sorted result.
func TestPaginationProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	statuses := []string{"pending", "in_progress", "completed"}
	priorities := []string{"low", "medium", "high"}
	for iter := 0; iter < 200; iter++ {
		n := rng.Intn(40)
		list := make([]domain.Entity, n)
		for i := range list {
			e := entity(fmt.Sprintf("id-%03d", rng.Intn(1000)*1000+i), statuses[rng.Intn(3)], fmt.Sprintf("task %d", rng.Intn(5)), rng.Intn(10))
			e.Fields.Priority = priorities[rng.Intn(3)]
			e.Fields.Progress = rng.Intn(4) * 25
			list[i] = e
		}
		q := Query{
			Equals:   map[string]string{"status": statuses[rng.Intn(3)]},
			Sort:     []SortKey{{Field: "progress", Desc: rng.Intn(2) == 0}},
			PageSize: 1 + rng.Intn(6),
		}
		if rng.Intn(2) == 0 {
			q.Equals = nil
		}

		var want []domain.Entity
		for _, e := range list {
			if q.Equals == nil || e.GroupKey == q.Equals["status"] {
				want = append(want, e)
			}
		}
		sort.SliceStable(want, func(i, j int) bool {
			a, b := want[i], want[j]
			if a.Fields.Progress != b.Fields.Progress {
				if q.Sort[0].Desc {
					return a.Fields.Progress > b.Fields.Progress
				}
				return a.Fields.Progress < b.Fields.Progress
			}
			return a.ID < b.ID
		})

		pages := len(want)/q.PageSize + 2
		for p := 1; p <= pages; p++ {
			q.Page = p
			page, total, err := Apply(list, q)
			require.NoError(t, err)
			require.Equal(t, len(want), total)
			lo := min((p-1)*q.PageSize, len(want))
			hi := min(p*q.PageSize, len(want))
			require.Equal(t, ids(want[lo:hi]), ids(page), "iter %d page %d", iter, p)
		}
	}
}

func TestValuesRoundTrip(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := Query{
		Search:   "demo",
		Equals:   map[string]string{"status": "pending", "project_id": "p1"},
		Tag:      "sales",
		Flags:    map[string]bool{"is_urgent": true},
		From:     &from,
		Sort:     []SortKey{{Field: "title"}, {Field: "created_at", Desc: true}},
		Page:     2,
		PageSize: 10,
	}
	got, err := FromValues(q.Values())
	require.NoError(t, err)
	assert.Equal(t, q.Search, got.Search)
	assert.Equal(t, q.Equals, got.Equals)
	assert.Equal(t, q.Flags, got.Flags)
	assert.Equal(t, q.Sort, got.Sort)
	assert.True(t, from.Equal(*got.From))
	assert.Equal(t, 2, got.Page)
	assert.Equal(t, 10, got.PageSize)
}

func TestToSQLMirrorsQuery(t *testing.T) {
	sql, err := ToSQL(Query{
		Search:   "Demo",
		Equals:   map[string]string{"status": "pending"},
		Flags:    map[string]bool{"is_urgent": false},
		Sort:     []SortKey{{Field: "title"}},
		Page:     3,
		PageSize: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"(instr(lower(COALESCE(title,'')), ?) > 0 OR instr(lower(COALESCE(description,'')), ?) > 0)",
		"status=?",
		"is_urgent=?",
	}, sql.Conditions)
	assert.Equal(t, []any{"demo", "demo", "pending", 0}, sql.Args)
	assert.Equal(t, "title ASC, id ASC", sql.OrderBy)
	assert.Equal(t, 5, sql.Limit)
	assert.Equal(t, 10, sql.Offset)
}

func ptrTime(t time.Time) *time.Time { return &t }
