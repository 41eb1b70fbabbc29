// Package dashboard aggregates cached rows into the summaries shown on the
// home screen. Everything here is pure and works on store snapshots.
package dashboard

import (
	"sort"
	"time"

	"boardline/internal/domain"
	"boardline/internal/kanban"
)

// DoneStatus is the canonical status of finished activities and projects.
const DoneStatus = "completed"

type ActivitySummary struct {
	Total      int            `json:"total"`
	Pending    int            `json:"pending"`
	InProgress int            `json:"in_progress"`
	Completed  int            `json:"completed"`
	Urgent     int            `json:"urgent"`
	Columns    map[string]int `json:"columns"`
	// Overdue holds unfinished rows due before now, earliest first.
	Overdue []domain.Entity `json:"overdue"`
}

// Summarize counts activities by board column and flags overdue work. Legacy
// status spellings count toward the column they are aliased to.
func Summarize(b kanban.Board, activities []domain.Entity, now time.Time) ActivitySummary {
	s := ActivitySummary{
		Total:   len(activities),
		Columns: b.GroupBy(activities).Counts(),
		Overdue: []domain.Entity{},
	}
	pending := b.Classify("pending")
	doing := b.Classify("in_progress")
	done := b.Classify(DoneStatus)
	for _, e := range activities {
		col := b.Classify(e.GroupKey)
		finished := e.GroupKey == DoneStatus || (done != "" && col == done)
		switch {
		case finished:
			s.Completed++
		case pending != "" && col == pending:
			s.Pending++
		case doing != "" && col == doing:
			s.InProgress++
		}
		if e.Fields.IsUrgent {
			s.Urgent++
		}
		if !finished && e.Fields.DueDate != nil && e.Fields.DueDate.Before(now) {
			s.Overdue = append(s.Overdue, e)
		}
	}
	sort.SliceStable(s.Overdue, func(i, j int) bool {
		a, b := s.Overdue[i], s.Overdue[j]
		if !a.Fields.DueDate.Equal(*b.Fields.DueDate) {
			return a.Fields.DueDate.Before(*b.Fields.DueDate)
		}
		return a.ID < b.ID
	})
	return s
}

type ProjectSummary struct {
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	MeanProgress float64        `json:"mean_progress"`
	TotalBudget  float64        `json:"total_budget"`
}

// SummarizeProjects counts projects by status and averages their progress.
func SummarizeProjects(projects []domain.Entity) ProjectSummary {
	s := ProjectSummary{Total: len(projects), ByStatus: map[string]int{}}
	if len(projects) == 0 {
		return s
	}
	sum := 0
	for _, p := range projects {
		s.ByStatus[p.GroupKey]++
		sum += p.Fields.Progress
		if p.Fields.Budget != nil {
			s.TotalBudget += *p.Fields.Budget
		}
	}
	s.MeanProgress = float64(sum) / float64(len(projects))
	return s
}
