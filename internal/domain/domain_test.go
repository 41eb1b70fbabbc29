package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatchApplyClearsThenSets(t *testing.T) {
	due := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	budget := 10.0
	current := Entity{
		ID:       "a1",
		GroupKey: "pending",
		Fields: Fields{
			Title:       "Demo",
			Description: "old",
			DueDate:     &due,
			Tags:        []string{"x"},
			Budget:      &budget,
			Extra:       map[string]any{"color": "red", "size": 2},
		},
	}
	title := "Renamed"
	status := "completed"
	p := Patch{
		GroupKey: &status,
		Title:    &title,
		Tags:     []string{"y", "z"},
		Extra:    map[string]any{"color": nil, "shape": "square"},
		Clear:    []string{"description", "due_date", "tags"},
	}
	got := p.Apply(current)

	want := current.Clone()
	want.GroupKey = "completed"
	want.Fields.Title = "Renamed"
	want.Fields.Description = ""
	want.Fields.DueDate = nil
	want.Fields.Tags = []string{"y", "z"}
	want.Fields.Extra = map[string]any{"size": 2, "shape": "square"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("apply mismatch (-want +got):\n%s", diff)
	}
	// the source entity is untouched
	assert.Equal(t, "Demo", current.Fields.Title)
	assert.Equal(t, "red", current.Fields.Extra["color"])
	assert.Equal(t, []string{"x"}, current.Fields.Tags)
}

func TestCloneDoesNotShareState(t *testing.T) {
	due := time.Now().UTC()
	e := Entity{Fields: Fields{Title: "t", DueDate: &due, Tags: []string{"a"}, Extra: map[string]any{"k": 1}}}
	c := e.Clone()
	c.Fields.Tags[0] = "b"
	c.Fields.Extra["k"] = 2
	*c.Fields.DueDate = due.Add(time.Hour)
	assert.Equal(t, "a", e.Fields.Tags[0])
	assert.Equal(t, 1, e.Fields.Extra["k"])
	assert.True(t, e.Fields.DueDate.Equal(due))
}

func TestPrepareAppliesDefaults(t *testing.T) {
	group, f, err := Activities.Prepare("", Fields{Title: "  Demo  "})
	require.NoError(t, err)
	assert.Equal(t, "pending", group)
	assert.Equal(t, "Demo", f.Title)
	assert.Equal(t, "task", f.Type)
	assert.Equal(t, "medium", f.Priority)

	group, f, err = Projects.Prepare("active", Fields{Title: "Launch", Priority: "high"})
	require.NoError(t, err)
	assert.Equal(t, "active", group)
	assert.Equal(t, "project", f.Type)
	assert.Equal(t, "high", f.Priority)
}

func TestValidationRules(t *testing.T) {
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(-24 * time.Hour)
	neg := -1.0
	cases := map[string]Fields{
		"no title":      {Title: "   "},
		"priority":      {Title: "t", Priority: "critical"},
		"progress low":  {Title: "t", Progress: -1},
		"progress high": {Title: "t", Progress: 101},
		"dates":         {Title: "t", StartDate: &start, EndDate: &end},
		"budget":        {Title: "t", Budget: &neg},
		"empty tag":     {Title: "t", Tags: []string{"ok", " "}},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			err := ValidateFields(f)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
		})
	}
}

func TestValidatePatch(t *testing.T) {
	current := Entity{ID: "a1", GroupKey: "pending", Fields: Fields{Title: "Demo", Priority: "low"}}
	empty := ""
	hundredOne := 101
	cases := map[string]Patch{
		"empty":        {},
		"bad clear":    {Clear: []string{"title"}},
		"empty status": {GroupKey: &empty},
		"empty title":  {Title: &empty},
		"progress":     {Progress: &hundredOne},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			err := Activities.ValidatePatch(current, p)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
	fifty := 50
	assert.NoError(t, Activities.ValidatePatch(current, Patch{Progress: &fifty}))
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("update: %w", Errorf(KindPermissionDenied, "row owned by someone else"))
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindPermissionDenied, KindOf(err))

	assert.Equal(t, KindRemoteUnavailable, KindOf(errors.New("connection refused")))
	assert.Equal(t, Kind(""), KindOf(nil))

	timeout := AsRemote(context.DeadlineExceeded)
	assert.True(t, errors.Is(timeout, ErrRemoteUnavailable))
	assert.True(t, errors.Is(timeout, context.DeadlineExceeded))

	classified := Errorf(KindNotFound, "gone")
	assert.Same(t, classified, AsRemote(classified))
}

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2024, 2, 29, 13, 4, 5, 120, time.FixedZone("x", 3600))
	s := FormatTime(in)
	assert.Equal(t, "2024-02-29T12:04:05.000000120Z", s)
	out, err := ParseTime(s)
	require.NoError(t, err)
	assert.True(t, in.Equal(out))

	out, err = ParseTime("2024-02-29T12:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, 12, out.Hour())
}

func TestIsTemp(t *testing.T) {
	assert.True(t, IsTemp("tmp-01HZX"))
	assert.False(t, IsTemp("abc123"))
	_, err := LookupCollection("nope")
	assert.Equal(t, KindNotFound, KindOf(err))
}
