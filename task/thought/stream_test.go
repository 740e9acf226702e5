package thought

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/tasklifecycle-core/task"
)

func TestGetActionableReturnsEmptyOnFailure(t *testing.T) {
	s := New("http://127.0.0.1:1", 50*time.Millisecond, 0)
	got := s.GetActionable(context.Background())
	assert.Empty(t, got)
}

func TestGetActionableDecodesThoughts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"t1","text":"go mine coal","actionable":true,"taskType":"mine"}]`))
	}))
	defer srv.Close()

	s := New(srv.URL, time.Second, 0)
	got := s.GetActionable(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].ID)
}

func TestConverterRejectsNonActionable(t *testing.T) {
	c := Converter{}
	_, ok := c.Convert(Thought{ID: "t1", Actionable: false})
	assert.False(t, ok)
}

func TestConverterStrictEligibilityRejectsMissingTaskType(t *testing.T) {
	c := Converter{StrictConvertEligibility: true}
	_, ok := c.Convert(Thought{ID: "t1", Actionable: true, Text: "do something"})
	assert.False(t, ok)
}

func TestConverterDefaultsToAdvisoryWhenLenient(t *testing.T) {
	c := Converter{}
	tk, ok := c.Convert(Thought{ID: "t1", Actionable: true, Text: "look around"})
	require.True(t, ok)
	assert.Equal(t, "advisory_action", tk.Type)
	assert.Equal(t, task.SourceAutonomous, tk.Source)
}
