package slottable_test

import (
	"testing"

	"github.com/dnsqperf/dnsqperf/internal/slottable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const forever = int64(1<<63 - 1)

func TestSlotTable_conservation(t *testing.T) {
	tbl := slottable.New()

	ids := make([]uint16, 0, 10)
	for i := 0; i < 10; i++ {
		id, err := tbl.Reserve(forever)
		require.NoError(t, err)

		tbl.Commit(id, int64(i), slottable.SocketRef{Index: 0}, "")
		ids = append(ids, id)
	}

	assert.Equal(t, 10, tbl.NumOutstanding())

	for i, id := range ids {
		if i%2 == 0 {
			_, err := tbl.Complete(id, slottable.SocketRef{Index: 0}, forever)
			require.NoError(t, err)
		}
	}

	assert.Equal(t, 5, tbl.NumOutstanding())
}

func TestSlotTable_idUniqueness(t *testing.T) {
	tbl := slottable.New()

	seen := map[uint16]bool{}
	for i := 0; i < 1000; i++ {
		id, err := tbl.Reserve(forever)
		require.NoError(t, err)

		assert.False(t, seen[id], "id %d reserved twice while outstanding", id)
		seen[id] = true

		tbl.Commit(id, int64(i), slottable.SocketRef{}, "")
	}
}

func TestSlotTable_exhausted(t *testing.T) {
	tbl := slottable.New()

	for i := 0; i < slottable.NumSlots; i++ {
		_, err := tbl.Reserve(forever)
		require.NoError(t, err)
	}

	_, err := tbl.Reserve(forever)
	assert.ErrorIs(t, err, slottable.ErrExhausted)
}

func TestSlotTable_completeMismatchedSocket(t *testing.T) {
	tbl := slottable.New()

	id, err := tbl.Reserve(forever)
	require.NoError(t, err)

	tbl.Commit(id, 100, slottable.SocketRef{Index: 1, Generation: 1}, "")

	_, err = tbl.Complete(id, slottable.SocketRef{Index: 1, Generation: 2}, forever)
	assert.ErrorIs(t, err, slottable.ErrUnexpected)

	// The slot is still outstanding and can be completed with the right ref.
	_, err = tbl.Complete(id, slottable.SocketRef{Index: 1, Generation: 1}, forever)
	assert.NoError(t, err)
}

func TestSlotTable_expireOlderThan(t *testing.T) {
	tbl := slottable.New()

	id1, err := tbl.Reserve(forever)
	require.NoError(t, err)
	tbl.Commit(id1, 0, slottable.SocketRef{}, "")

	id2, err := tbl.Reserve(forever)
	require.NoError(t, err)
	tbl.Commit(id2, 50, slottable.SocketRef{}, "")

	var expired []uint16
	tbl.ExpireOlderThan(59, 10, func(id uint16, _ slottable.SocketRef) {
		expired = append(expired, id)
	})

	assert.Equal(t, []uint16{id1}, expired)
	assert.Equal(t, 1, tbl.NumOutstanding())
}

func TestSlotTable_cancelAll(t *testing.T) {
	tbl := slottable.New()

	for i := 0; i < 5; i++ {
		id, err := tbl.Reserve(forever)
		require.NoError(t, err)
		tbl.Commit(id, int64(i), slottable.SocketRef{}, "")
	}

	var canceled int
	tbl.CancelAll(func(uint16, slottable.SocketRef) { canceled++ })

	assert.Equal(t, 5, canceled)
	assert.Equal(t, 0, tbl.NumOutstanding())

	// All slots must be reusable again.
	for i := 0; i < slottable.NumSlots; i++ {
		_, err := tbl.Reserve(forever)
		require.NoError(t, err)
	}
}
