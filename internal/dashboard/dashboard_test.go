package dashboard

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"boardline/internal/domain"
	"boardline/internal/kanban"
)

var now = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func activity(id, status string, due *time.Time, urgent bool) domain.Entity {
	return domain.Entity{ID: id, GroupKey: status, CreatedAt: now.Add(-time.Hour),
		Fields: domain.Fields{Title: id, DueDate: due, IsUrgent: urgent}}
}

func day(offset int) *time.Time {
	t := now.AddDate(0, 0, offset)
	return &t
}

func TestSummarizeCountsColumnsAndOverdue(t *testing.T) {
	rows := []domain.Entity{
		activity("a", "pending", day(-2), true),
		activity("b", "todo", day(-5), false),
		activity("c", "in-progress", day(3), false),
		activity("d", "completed", day(-9), true),
		activity("e", "done", nil, false),
		activity("f", "archived", day(-1), false),
	}
	s := Summarize(kanban.DefaultActivityBoard(), rows, now)

	assert.Equal(t, 6, s.Total)
	assert.Equal(t, 2, s.Pending)
	assert.Equal(t, 1, s.InProgress)
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 2, s.Urgent)
	if diff := cmp.Diff(map[string]int{"todo": 2, "doing": 1, "done": 2}, s.Columns); diff != "" {
		t.Fatalf("columns (-want +got):\n%s", diff)
	}
	var overdue []string
	for _, e := range s.Overdue {
		overdue = append(overdue, e.ID)
	}
	assert.Equal(t, []string{"b", "a", "f"}, overdue)
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(kanban.DefaultActivityBoard(), nil, now)
	assert.Zero(t, s.Total)
	assert.Empty(t, s.Overdue)
	assert.Equal(t, map[string]int{"todo": 0, "doing": 0, "done": 0}, s.Columns)
}

func TestSummarizeProjects(t *testing.T) {
	budget := 100.0
	projects := []domain.Entity{
		{ID: "p1", GroupKey: "active", Fields: domain.Fields{Progress: 50, Budget: &budget}},
		{ID: "p2", GroupKey: "active", Fields: domain.Fields{Progress: 20}},
		{ID: "p3", GroupKey: "completed", Fields: domain.Fields{Progress: 100, Budget: &budget}},
	}
	s := SummarizeProjects(projects)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, map[string]int{"active": 2, "completed": 1}, s.ByStatus)
	assert.InDelta(t, 56.67, s.MeanProgress, 0.01)
	assert.Equal(t, 200.0, s.TotalBudget)

	assert.Zero(t, SummarizeProjects(nil).MeanProgress)
}
