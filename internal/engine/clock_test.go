package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/itemsync/internal/testutil"
)

func TestClock_FollowsWall(t *testing.T) {
	wall := testutil.NewDeterministicClock()
	wall.Set(1000)
	c := NewClock(wall.Now)

	assert.Equal(t, int64(1000), c.Now())
	wall.Advance(50)
	assert.Equal(t, int64(1050), c.Now())
}

func TestClock_StrictlyIncreasingWhenWallStalls(t *testing.T) {
	wall := testutil.NewDeterministicClock()
	wall.Set(1000)
	c := NewClock(wall.Now)

	assert.Equal(t, int64(1000), c.Now())
	assert.Equal(t, int64(1001), c.Now())
	assert.Equal(t, int64(1002), c.Now())
	assert.Equal(t, int64(1002), c.Current())
}

func TestClock_WallGoesBackwards(t *testing.T) {
	wall := testutil.NewDeterministicClock()
	wall.Set(1000)
	c := NewClock(wall.Now)

	c.Now()
	wall.Set(10)
	assert.Equal(t, int64(1001), c.Now())
}

func TestClock_Observe(t *testing.T) {
	wall := testutil.NewDeterministicClock()
	wall.Set(1000)
	c := NewClock(wall.Now)

	c.Observe(5000)
	assert.Equal(t, int64(5001), c.Now())

	c.Observe(10)
	assert.Equal(t, int64(5002), c.Now())
}

func TestClock_Concurrent(t *testing.T) {
	c := NewClock(func() int64 { return 1 })

	const goroutines = 50
	seen := make(chan int64, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- c.Now()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]bool)
	for v := range seen {
		assert.False(t, unique[v], "duplicate timestamp %d", v)
		unique[v] = true
	}
	assert.Len(t, unique, goroutines)
}
