package store

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	n int
}

func TestUpdateCreatesLazily(t *testing.T) {
	s := NewSharded[counter](4)
	created := 0
	s.Update("a", func() counter { created++; return counter{} }, func(c *counter) { c.n++ })
	s.Update("a", func() counter { created++; return counter{} }, func(c *counter) { c.n++ })

	require.Equal(t, 1, created)
	var got int
	ok := s.View("a", func(c *counter) { got = c.n })
	assert.True(t, ok)
	assert.Equal(t, 2, got)
	assert.False(t, s.View("missing", func(*counter) {}))
}

func TestConcurrentUpdatesAreSerializedPerKey(t *testing.T) {
	s := NewSharded[counter](8)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.Update("hot", func() counter { return counter{} }, func(c *counter) { c.n++ })
			}
		}()
	}
	wg.Wait()

	var got int
	s.View("hot", func(c *counter) { got = c.n })
	assert.Equal(t, 50*200, got)
}

func TestSweepRemovesMatching(t *testing.T) {
	s := NewSharded[counter](0)
	for i := 0; i < 10; i++ {
		s.Set(strconv.Itoa(i), counter{n: i})
	}
	removed := s.Sweep(func(_ string, c *counter) bool { return c.n%2 == 0 })

	assert.Equal(t, 5, removed)
	assert.Equal(t, 5, s.Len())

	s.Delete("1")
	assert.Equal(t, 4, s.Len())
	s.Clear()
	assert.Zero(t, s.Len())
}
