package dl

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.bin.progress")

	j := NewJournal(path, "file.bin", 1000)
	j.AddInterval(0, 99)
	j.AddInterval(200, 299)

	require.NoError(t, j.Save())

	loaded, err := LoadJournal(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, "file.bin", loaded.Name())
	assert.Equal(t, uint64(1000), loaded.TotalSize())
	assert.True(t, loaded.IsCompleted(Range{Lo: 0, Hi: 99}))
	assert.True(t, loaded.IsCompleted(Range{Lo: 200, Hi: 299}))
	assert.False(t, loaded.IsCompleted(Range{Lo: 100, Hi: 199}))
	assert.Equal(t, uint64(200), loaded.CompletedBytes())
}

func TestLoadJournalMissing(t *testing.T) {
	j, err := LoadJournal(filepath.Join(t.TempDir(), "nope.progress"))
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestJournalCoalescing(t *testing.T) {
	j := NewJournal(filepath.Join(t.TempDir(), "x.progress"), "x", 1000)

	j.AddInterval(0, 99)
	j.AddInterval(100, 199) // touches the first interval's end exactly
	j.AddInterval(300, 399)
	j.AddInterval(150, 350) // bridges the gap between the two groups

	assert.True(t, j.IsCompleted(Range{Lo: 0, Hi: 399}))
	assert.Equal(t, uint64(400), j.CompletedBytes())
}

func TestJournalCoalescingOutOfOrder(t *testing.T) {
	j := NewJournal(filepath.Join(t.TempDir(), "y.progress"), "y", 1000)

	j.AddInterval(500, 599)
	j.AddInterval(0, 99)
	j.AddInterval(100, 499)

	assert.True(t, j.IsCompleted(Range{Lo: 0, Hi: 599}))
	assert.False(t, j.IsCompleted(Range{Lo: 0, Hi: 600}))
}

func TestJournalPartialOverlapIsNotCompletion(t *testing.T) {
	j := NewJournal(filepath.Join(t.TempDir(), "z.progress"), "z", 1000)
	j.AddInterval(0, 49)

	assert.False(t, j.IsCompleted(Range{Lo: 0, Hi: 99}))
	assert.True(t, j.IsCompleted(Range{Lo: 0, Hi: 49}))
	assert.True(t, j.IsCompleted(Range{Lo: 10, Hi: 40}))
}

func TestJournalDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.progress")
	j := NewJournal(path, "d", 10)
	require.NoError(t, j.Save())

	require.NoError(t, j.Delete())

	loaded, err := LoadJournal(path)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
