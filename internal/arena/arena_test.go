package arena

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_AllocGetFree(t *testing.T) {
	a := New[string](4)
	h1 := a.Alloc("one")
	h2 := a.Alloc("two")
	assert.Equal(t, "one", *a.Get(h1))
	assert.Equal(t, "two", *a.Get(h2))
	assert.Equal(t, 2, a.Len())

	*a.Get(h1) = "uno"
	assert.Equal(t, "uno", *a.Get(h1))

	require.NoError(t, a.Free(h1))
	assert.False(t, a.Valid(h1))
	assert.Error(t, a.Free(h1), "double free must be reported")
	assert.Panics(t, func() { a.Get(h1) })

	// the slot is reused with a fresh generation
	h3 := a.Alloc("three")
	assert.NotEqual(t, h1, h3)
	assert.False(t, a.Valid(h1))
	assert.Equal(t, "three", *a.Get(h3))
	assert.Equal(t, 2, a.Len())
}

func TestArena_NilHandle(t *testing.T) {
	a := New[int](0)
	var h Handle
	assert.True(t, h.IsNil())
	assert.False(t, a.Valid(h))
	assert.Equal(t, "nil", h.String())
	assert.Error(t, a.Free(h))
}

func FuzzArena(f *testing.F) {
	f.Add(int64(1), 200)
	f.Add(int64(42), 1000)

	f.Fuzz(func(t *testing.T, seed int64, numOps int) {
		if numOps < 0 || numOps > 5000 {
			t.Skip()
		}
		rng := rand.New(rand.NewSource(seed))
		a := New[int](0)
		model := map[Handle]int{}
		var dead []Handle

		for i := 0; i < numOps; i++ {
			if rng.Intn(3) > 0 || len(model) == 0 {
				h := a.Alloc(i)
				_, exists := model[h]
				require.False(t, exists)
				model[h] = i
				continue
			}
			for h := range model {
				require.NoError(t, a.Free(h))
				delete(model, h)
				dead = append(dead, h)
				break
			}
		}

		require.Equal(t, len(model), a.Len())
		for h, v := range model {
			require.Equal(t, v, *a.Get(h))
		}
		for _, h := range dead {
			require.False(t, a.Valid(h))
		}
		seen := 0
		a.All(func(h Handle, v *int) bool {
			require.Equal(t, model[h], *v)
			seen++
			return true
		})
		require.Equal(t, len(model), seen)
	})
}
