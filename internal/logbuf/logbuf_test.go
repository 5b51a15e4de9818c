package logbuf

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

func appendN(b *Buffer, n int) {
	for i := 0; i < n; i++ {
		b.Append(domain.LogLine{Stream: domain.StreamStdout, Text: fmt.Sprintf("line %d", i)})
	}
}

func TestBufferNeverExceedsCapacity(t *testing.T) {
	for _, total := range []int{0, 1, 4, 5, 6, 17, 100} {
		t.Run(fmt.Sprintf("appends=%d", total), func(t *testing.T) {
			b := New(5)
			appendN(b, total)

			assert.LessOrEqual(t, b.Len(), b.Cap())

			got := b.Recent(5)
			want := min(total, 5)
			require.Len(t, got, want)
			for i, line := range got {
				assert.Equal(t, fmt.Sprintf("line %d", total-want+i), line.Text)
			}
			// larger n than capacity returns the same window
			assert.Equal(t, got, b.Recent(50))
		})
	}
}

func TestBufferRecentSubset(t *testing.T) {
	b := New(10)
	appendN(b, 7)

	got := b.Recent(3)
	require.Len(t, got, 3)
	assert.Equal(t, "line 4", got[0].Text)
	assert.Equal(t, "line 6", got[2].Text)
	assert.Nil(t, b.Recent(0))
}

func TestBufferSeqAndReset(t *testing.T) {
	b := New(2)
	first := b.Append(domain.LogLine{Text: "a"})
	second := b.Append(domain.LogLine{Text: "b"})
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.False(t, first.Time.IsZero())

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Nil(t, b.Recent(10))

	third := b.Append(domain.LogLine{Text: "c"})
	assert.Equal(t, uint64(3), third.Seq)
}

func TestBufferDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
}

func TestBufferConcurrentAppend(t *testing.T) {
	b := New(64)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			appendN(b, 100)
		}()
	}
	wg.Wait()

	lines := b.Recent(64)
	require.Len(t, lines, 64)
	for i := 1; i < len(lines); i++ {
		assert.Equal(t, lines[i-1].Seq+1, lines[i].Seq)
	}
}
