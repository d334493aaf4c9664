package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/hindsight/pkg/store"
)

func testStore() *store.Store {
	return store.New(store.Schema{
		Values: map[string]store.CellSchema{
			"timer": {Type: store.TypeNumber},
		},
		Tables: map[string]store.TableSchema{
			"cards":        {"description": {Type: store.TypeString, Default: ""}},
			"participants": {"name": {Type: store.TypeString, Default: "Anonymous"}},
		},
	}, "test")
}

func TestDerived_LazyRecompute(t *testing.T) {
	s := testStore()
	count := NewDerived(s, store.Selector{Tables: []string{"cards"}}, func() int {
		return len(s.RowIDs("cards"))
	})
	defer count.Close()

	assert.Equal(t, 0, count.Get())
	assert.Equal(t, 0, count.Get())
	assert.Equal(t, 1, count.Recomputes(), "repeated reads must not recompute")

	require.NoError(t, s.SetRow("cards", "c1", nil))
	assert.Equal(t, 1, count.Get())
	assert.Equal(t, 2, count.Recomputes())
}

func TestDerived_IgnoresUnrelatedMutations(t *testing.T) {
	s := testStore()
	count := NewDerived(s, store.Selector{Tables: []string{"participants"}}, func() int {
		return len(s.RowIDs("participants"))
	})
	defer count.Close()

	assert.Equal(t, 0, count.Get())
	require.NoError(t, s.SetRow("cards", "c1", nil))
	require.NoError(t, s.SetValue("timer", 12))
	assert.Equal(t, 1, count.Recomputes(), "mutations outside the dependency set must not invalidate")

	require.NoError(t, s.SetRow("participants", "p1", nil))
	assert.Equal(t, 1, count.Get())
}

func TestDerived_OnChange(t *testing.T) {
	s := testStore()
	count := NewDerived(s, store.Selector{Tables: []string{"cards"}}, func() int {
		return len(s.RowIDs("cards"))
	})
	defer count.Close()

	var seen []int
	cancel := count.OnChange(func(v int) { seen = append(seen, v) })

	require.NoError(t, s.SetRow("cards", "c1", nil))
	require.NoError(t, s.SetRow("cards", "c2", nil))
	assert.Equal(t, []int{1, 2}, seen)

	cancel()
	require.NoError(t, s.SetRow("cards", "c3", nil))
	assert.Equal(t, []int{1, 2}, seen)
}
