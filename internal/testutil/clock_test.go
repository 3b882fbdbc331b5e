package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_FrozenUntilAdvanced(t *testing.T) {
	c := NewClock(time.Time{})
	assert.Equal(t, Epoch, c.Now())
	assert.Equal(t, Epoch, c.Now())

	c.Advance(5 * time.Second)
	assert.Equal(t, Epoch.Add(5*time.Second), c.Now())

	c.Tick()
	assert.Equal(t, Epoch.Add(6*time.Second), c.Now())
}

func TestClock_CustomStart(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClock(start)
	assert.Equal(t, start, c.Now())
}

func TestClock_ConcurrentAdvance(t *testing.T) {
	c := NewClock(time.Time{})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Millisecond)
		}()
	}
	wg.Wait()
	assert.Equal(t, Epoch.Add(100*time.Millisecond), c.Now())
}
