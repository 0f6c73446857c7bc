package listeners

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManager_AddRemove(t *testing.T) {
	t.Parallel()
	m := New[func()]()
	id1 := m.Add(func() {})
	id2 := m.Add(func() {})
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, m.Len())

	assert.True(t, m.Remove(id1))
	assert.False(t, m.Remove(id1))
	assert.Equal(t, 1, m.Len())

	m.Clear()
	assert.Equal(t, 0, m.Len())
	assert.False(t, m.Remove(id2))
}

func TestManager_ForEachOrder(t *testing.T) {
	t.Parallel()
	m := New[int]()
	m.Add(1)
	m.Add(2)
	m.Add(3)

	var out []int
	m.ForEach(func(v int) {
		out = append(out, v)
	})
	assert.Equal(t, []int{1, 2, 3}, out)
}

func TestManager_ListenerCanRemoveItself(t *testing.T) {
	t.Parallel()
	m := New[*func()]()
	var id uint64
	calls := 0
	fn := func() {
		calls++
		m.Remove(id)
	}
	id = m.Add(&fn)

	// Iteration uses a snapshot, self-removal must not panic.
	m.ForEach(func(v *func()) {
		(*v)()
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, m.Len())
}
