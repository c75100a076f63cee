package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeterministicClock_OnlyMovesWhenTold(t *testing.T) {
	clock := NewDeterministicClock()
	assert.Zero(t, clock.Now())

	clock.Set(1000)
	assert.Equal(t, int64(1000), clock.Now())
	assert.Equal(t, int64(1000), clock.Now())

	assert.Equal(t, int64(1250), clock.Advance(250))
	clock.Sleep(2 * time.Second)
	assert.Equal(t, int64(3250), clock.Now())

	// Skew: a device clock may be set behind another.
	clock.Set(10)
	assert.Equal(t, int64(10), clock.Now())
}

func TestDeterministicClock_ConcurrentAdvance(t *testing.T) {
	clock := NewDeterministicClock()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				clock.Advance(1)
				_ = clock.Now()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), clock.Now())
}
