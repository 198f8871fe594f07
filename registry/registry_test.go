package registry

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	name string
}

func visited(r *Registry[*fakeHandle], excluded SessionID) map[SessionID]int {
	seen := make(map[SessionID]int)
	r.ForEachExcept(excluded, func(id SessionID, _ Entry[*fakeHandle]) {
		seen[id]++
	})
	return seen
}

func TestRegistry_Register(t *testing.T) {
	r := New[*fakeHandle]()
	require.NotNil(t, r)

	t.Run("register inserts entry", func(t *testing.T) {
		h := &fakeHandle{name: "a"}
		r.Register(1, 7, h)
		e, ok := r.Get(1)
		require.True(t, ok)
		assert.Equal(t, ChannelID(7), e.Channel)
		assert.Same(t, h, e.Handle)
	})

	t.Run("register overwrites existing entry", func(t *testing.T) {
		h := &fakeHandle{name: "b"}
		r.Register(1, 9, h)
		e, ok := r.Get(1)
		require.True(t, ok)
		assert.Equal(t, ChannelID(9), e.Channel)
		assert.Same(t, h, e.Handle)
		assert.Equal(t, 1, r.Len())
	})
}

func TestRegistry_Unregister(t *testing.T) {
	r := New[*fakeHandle]()
	r.Register(1, 0, &fakeHandle{})
	r.Register(2, 0, &fakeHandle{})

	t.Run("removes present id", func(t *testing.T) {
		assert.True(t, r.Unregister(1))
		assert.False(t, r.Has(1))
		assert.True(t, r.Has(2))
	})

	t.Run("absent id is not an error", func(t *testing.T) {
		assert.False(t, r.Unregister(1))
		assert.False(t, r.Unregister(42))
		assert.Equal(t, 1, r.Len())
	})
}

func TestRegistry_ForEachExcept(t *testing.T) {
	t.Run("skips excluded id and visits the rest once", func(t *testing.T) {
		r := New[*fakeHandle]()
		for id := SessionID(1); id <= 3; id++ {
			r.Register(id, ChannelID(id), &fakeHandle{})
		}
		assert.Equal(t, map[SessionID]int{2: 1, 3: 1}, visited(r, 1))
	})

	t.Run("excluded id that is not registered skips nothing", func(t *testing.T) {
		r := New[*fakeHandle]()
		r.Register(1, 0, &fakeHandle{})
		r.Register(2, 0, &fakeHandle{})
		assert.Equal(t, map[SessionID]int{1: 1, 2: 1}, visited(r, 99))
	})

	t.Run("empty registry visits nothing", func(t *testing.T) {
		assert.Empty(t, visited(New[*fakeHandle](), 1))
	})

	t.Run("matches the model after random mutations", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		r := New[*fakeHandle]()
		model := make(map[SessionID]bool)

		for step := 0; step < 2000; step++ {
			id := SessionID(rng.Intn(40))
			if rng.Intn(3) == 0 {
				r.Unregister(id)
				delete(model, id)
			} else {
				r.Register(id, 0, &fakeHandle{})
				model[id] = true
			}

			if step%50 == 0 {
				excluded := SessionID(rng.Intn(40))
				want := make(map[SessionID]int)
				for id := range model {
					if id != excluded {
						want[id] = 1
					}
				}
				assert.Equal(t, want, visited(r, excluded))
			}
		}
	})
}

func TestRegistry_IDs(t *testing.T) {
	r := New[*fakeHandle]()
	r.Register(3, 0, &fakeHandle{})
	r.Register(5, 0, &fakeHandle{})
	assert.ElementsMatch(t, []SessionID{3, 5}, r.IDs())
}

func TestRegistry_Concurrent(t *testing.T) {
	r := New[*fakeHandle]()
	const workers = 32
	const perWorker = 200

	var wg sync.WaitGroup
	wg.Add(workers * 2)
	for w := range workers {
		go func(w int) {
			defer wg.Done()
			for i := range perWorker {
				id := SessionID(w*perWorker + i)
				r.Register(id, 0, &fakeHandle{})
			}
		}(w)
		go func() {
			defer wg.Done()
			for range perWorker {
				seen := visited(r, 0)
				for _, n := range seen {
					if n != 1 {
						t.Errorf("entry visited %d times", n)
					}
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, workers*perWorker, r.Len())
}
