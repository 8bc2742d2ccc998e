package recorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestrace/gtrace/pkg/callback"
)

func TestForSymbolRecordsEntryAndReturn(t *testing.T) {
	r, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer r.Close()

	entry, ret := r.ForSymbol("sys_open")

	payload := entry(nil, callback.Event{PID: 42, ThreadID: 0xabc, VCPU: 0}, nil)
	ret(nil, callback.Event{PID: 42, ThreadID: 0xabc, VCPU: 0}, payload)

	count, err := r.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	entryID, ok := payload.(string)
	require.True(t, ok)
	assert.NotEmpty(t, entryID)

	rows, err := r.db.Query(`SELECT id FROM trace_events ORDER BY direction`)
	require.NoError(t, err)
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.Len(t, ids, 2)
	assert.Equal(t, entryID, ids[0], "entry row should use the id produced at entry")
	assert.Equal(t, entryID, ids[1], "return row should share the entry's correlation id")
}

func TestOpenCreatesSchemaIdempotently(t *testing.T) {
	r1, err := Open("sqlite", "file:recorder_test_shared?mode=memory&cache=shared")
	require.NoError(t, err)
	defer r1.Close()

	r2, err := Open("sqlite", "file:recorder_test_shared?mode=memory&cache=shared")
	require.NoError(t, err)
	defer r2.Close()

	count, err := r2.Count()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 0)
}
