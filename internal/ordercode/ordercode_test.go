package ordercode

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateFormat(t *testing.T) {
	g := New("CP")

	code, err := g.Generate()
	require.NoError(t, err)

	parts := strings.Split(code, "-")
	require.Len(t, parts, 3)
	assert.Equal(t, "CP", parts[0])
	assert.Len(t, parts[2], 6)
	for _, r := range parts[1] + parts[2] {
		assert.Contains(t, alphabet, string(r))
	}
}

func TestGenerateConcurrentUniqueness(t *testing.T) {
	g := New("CP")

	const n = 10000
	codes := make(chan string, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, err := g.Generate()
			if err != nil {
				t.Error(err)
				return
			}
			codes <- code
		}()
	}
	wg.Wait()
	close(codes)

	seen := make(map[string]struct{}, n)
	for code := range codes {
		_, dup := seen[code]
		require.False(t, dup, "duplicate order code %s", code)
		seen[code] = struct{}{}
	}
	assert.Len(t, seen, n)
}
