package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan OutputLine) []OutputLine {
	var lines []OutputLine
	for l := range ch {
		lines = append(lines, l)
	}
	return lines
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	id1, ch1 := b.Subscribe()
	id2, ch2 := b.Subscribe()
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, b.Subscribers())

	b.Publish("stdout", "one")
	b.Unsubscribe(id2)
	b.Publish("stderr", "two")
	b.Unsubscribe("unknown")
	assert.Equal(t, 1, b.Subscribers())

	assert.Equal(t, []OutputLine{{Stream: "stdout", Line: "one"}}, drain(ch2))

	b.Close()
	assert.Equal(t, []OutputLine{{Stream: "stdout", Line: "one"}, {Stream: "stderr", Line: "two"}}, drain(ch1))
	b.Unsubscribe(id1)
}

func TestBroadcasterClosed(t *testing.T) {
	b := NewBroadcaster()
	b.Close()
	b.Close()
	b.Publish("stdout", "dropped")

	_, ch := b.Subscribe()
	_, ok := <-ch
	require.False(t, ok)
	assert.Equal(t, 0, b.Subscribers())
}

func TestBroadcasterPublishDoesNotBlock(t *testing.T) {
	b := NewBroadcaster()
	_, ch := b.Subscribe()

	// nobody reads while publishing
	for i := 0; i < 10000; i++ {
		b.Publish("stdout", "line")
	}
	b.Close()
	assert.Len(t, drain(ch), 10000)
}
