package archetype

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_SetAndGet(t *testing.T) {
	c := NewCache(time.Minute)

	c.Set("a", []byte("content"))

	content, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []byte("content"), content)
}

func TestCache_MissReturnsFalse(t *testing.T) {
	c := NewCache(time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestCache_ExpiredEntryTreatedAsMiss(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set("a", []byte("content"))

	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("a")
	assert.False(t, ok)
}
