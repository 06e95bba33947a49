package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeenSetRetention(t *testing.T) {
	s := newSeenSet(5*time.Minute, 100)
	t0 := time.Unix(1718000000, 0)

	assert.False(t, s.CheckAndAdd("x", t0))
	assert.True(t, s.CheckAndAdd("x", t0.Add(time.Minute)))
	assert.False(t, s.CheckAndAdd("y", t0.Add(2*time.Minute)))

	assert.Equal(t, 0, s.Purge(t0.Add(4*time.Minute)))
	assert.Equal(t, 1, s.Purge(t0.Add(5*time.Minute)))
	assert.Equal(t, 1, s.Len())

	assert.False(t, s.CheckAndAdd("x", t0.Add(5*time.Minute)), "purged ids are new again")
}

func TestSeenSetCapacity(t *testing.T) {
	s := newSeenSet(time.Hour, 3)
	now := time.Now()
	for i := 0; i < 5; i++ {
		s.CheckAndAdd(fmt.Sprint(i), now)
	}
	assert.Equal(t, 3, s.Len())
	assert.False(t, s.CheckAndAdd("0", now), "oldest ids are evicted first")
	assert.True(t, s.CheckAndAdd("4", now))
}

func TestSeenSetCountsEarlyEvictions(t *testing.T) {
	s := newSeenSet(time.Minute, 2)
	t0 := time.Unix(1718000000, 0)

	s.CheckAndAdd("a", t0)
	s.CheckAndAdd("b", t0.Add(2*time.Minute))
	s.CheckAndAdd("c", t0.Add(2*time.Minute))
	assert.Zero(t, s.Evicted(), "a was past retention when dropped")

	s.CheckAndAdd("d", t0.Add(2*time.Minute))
	assert.EqualValues(t, 1, s.Evicted())
	assert.False(t, s.CheckAndAdd("b", t0.Add(2*time.Minute)), "an evicted id is treated as new")
	assert.EqualValues(t, 2, s.Evicted())
}
