package uid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	a := New()
	b := New()

	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
}

func TestNewIsTimeSortable(t *testing.T) {
	// The 10-character time prefix never decreases across calls. Within one
	// millisecond the random tail breaks ties arbitrarily, so only the
	// prefix is ordered.
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		require.LessOrEqual(t, prev[:10], next[:10])
		prev = next
	}
}

func TestShort(t *testing.T) {
	id := New()
	assert.Equal(t, id[:8], Short(id))
	assert.Equal(t, "abc", Short("abc"))
}
