package callstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordAndTake(t *testing.T) {
	tr := New()
	tr.Record(ThreadID(0xff00), &Entry{Payload: "hello"})

	assert.Equal(t, 1, tr.Len())

	e := tr.Take(ThreadID(0xff00))
	assert.NotNil(t, e)
	assert.Equal(t, "hello", e.Payload)
	assert.Equal(t, 0, tr.Len())
}

func TestTakeMissingReturnsNil(t *testing.T) {
	tr := New()
	assert.Nil(t, tr.Take(ThreadID(1)))
}

func TestDrainAllVisitsEveryEntry(t *testing.T) {
	tr := New()
	tr.Record(ThreadID(1), &Entry{Payload: 1})
	tr.Record(ThreadID(2), &Entry{Payload: 2})

	visited := map[ThreadID]bool{}
	tr.DrainAll(func(id ThreadID, e *Entry) {
		visited[id] = true
	})

	assert.Len(t, visited, 2)
	assert.Equal(t, 0, tr.Len())
}
