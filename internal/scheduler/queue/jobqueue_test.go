package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansys/simsched/internal/scheduler/domain"
)

func TestPopOrdersByPriorityThenSubmission(t *testing.T) {
	q := New()
	q.Push(makeJob(t, "a", 0, 1))
	q.Push(makeJob(t, "b", 5, 2))
	q.Push(makeJob(t, "c", 5, 3))
	q.Push(makeJob(t, "d", 1, 4))

	assert.Equal(t, "b", q.Pop().ID())
	assert.Equal(t, "c", q.Pop().ID())
	assert.Equal(t, "d", q.Pop().ID())
	assert.Equal(t, "a", q.Pop().ID())
	assert.Nil(t, q.Pop())
}

func TestEqualPrioritiesAreFifo(t *testing.T) {
	q := New()
	for i := 1; i <= 10; i++ {
		q.Push(makeJob(t, fmt.Sprintf("job-%d", i), 3, int64(i)))
	}
	for i := 1; i <= 10; i++ {
		assert.Equal(t, fmt.Sprintf("job-%d", i), q.Pop().ID())
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New()
	q.Push(makeJob(t, "a", 0, 1))

	assert.Equal(t, "a", q.Peek().ID())
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, "a", q.Pop().ID())
	assert.Nil(t, q.Peek())
}

func TestRemove(t *testing.T) {
	q := New()
	q.Push(makeJob(t, "a", 0, 1))
	q.Push(makeJob(t, "b", 0, 2))
	q.Push(makeJob(t, "c", 0, 3))

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))
	assert.False(t, q.Contains("b"))

	assert.Equal(t, "a", q.Pop().ID())
	assert.Equal(t, "c", q.Pop().ID())
}

func TestDuplicatePushIsIgnored(t *testing.T) {
	q := New()
	job := makeJob(t, "a", 0, 1)
	q.Push(job)
	q.Push(job)
	assert.Equal(t, 1, q.Len())
}

func TestFixReordersAfterPriorityChange(t *testing.T) {
	q := New()
	a := makeJob(t, "a", 0, 1)
	b := makeJob(t, "b", 0, 2)
	q.Push(a)
	q.Push(b)

	b.SetPriority(10, time.Now())
	q.Fix("b")

	assert.Equal(t, "b", q.Pop().ID())
	assert.Equal(t, "a", q.Pop().ID())
}

func makeJob(t *testing.T, id string, priority int, timestamp int64) *domain.Job {
	t.Helper()
	config, err := domain.NewJobConfig("test", []string{"true"}, 1, 0, domain.BackendLocal)
	require.NoError(t, err)
	return domain.NewJob(id, config, priority, timestamp, time.Now())
}
