package pool

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func writePoolFile(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livelive.txt")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o600))
	return path
}

func TestNewLoadsCredentialsInOrder(t *testing.T) {
	path := writePoolFile(t, "# comment\n\na@example.com:pw1\nb@example.com:pw2\nc@example.com:pw3\n")
	p, err := New(path)
	require.NoError(t, err)

	stats := p.Stats()
	require.Equal(t, Stats{Available: 3, Used: 0, Failed: 0, Total: 3}, stats)

	c, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, "a@example.com", c.Email)
	require.Equal(t, "pw1", c.Password)
}

func TestNextIsReadOnly(t *testing.T) {
	p, err := New(writePoolFile(t, "a@example.com:pw\nb@example.com:pw\n"))
	require.NoError(t, err)

	first, err := p.Next()
	require.NoError(t, err)
	second, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 2, p.Len())
}

func TestMalformedLineFailsConstruction(t *testing.T) {
	path := writePoolFile(t, "good@example.com:pw\nnot-a-credential\n")
	_, err := New(path)
	require.Error(t, err)

	var malformed *MalformedFormatError
	require.ErrorAs(t, err, &malformed)
	require.Equal(t, 2, malformed.Line)
}

func TestInvalidEmailSkippedNotFatal(t *testing.T) {
	p, err := New(writePoolFile(t, "noatsign:pw\nok@example.com:pw\n"))
	require.NoError(t, err)
	require.Equal(t, 1, p.Len())
}

func TestMissingFileCreatedEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "livelive.txt")
	p, err := New(path)
	require.NoError(t, err)
	require.Equal(t, 0, p.Len())

	_, err = p.Next()
	require.ErrorIs(t, err, ErrPoolEmpty)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestEmptyPool(t *testing.T) {
	p, err := New(writePoolFile(t, "\n# only comments\n"))
	require.NoError(t, err)
	_, err = p.Next()
	require.ErrorIs(t, err, ErrPoolEmpty)
}

func TestMarkUsedAndFailedPartition(t *testing.T) {
	p, err := New(writePoolFile(t, "a@example.com:pw\nb@example.com:pw\nc@example.com:pw\n"))
	require.NoError(t, err)

	p.MarkUsed("a@example.com")
	p.MarkFailed("b@example.com")

	stats := p.Stats()
	require.Equal(t, Stats{Available: 1, Used: 1, Failed: 1, Total: 3}, stats)

	next, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, "c@example.com", next.Email)
}

func TestMarkIsIdempotent(t *testing.T) {
	p, err := New(writePoolFile(t, "a@example.com:pw\nb@example.com:pw\n"))
	require.NoError(t, err)

	p.MarkUsed("a@example.com")
	p.MarkUsed("a@example.com")
	p.MarkFailed("a@example.com") // already terminal, must stay used

	stats := p.Stats()
	require.Equal(t, Stats{Available: 1, Used: 1, Failed: 0, Total: 2}, stats)
}

func TestReloadPreservesTerminalSets(t *testing.T) {
	path := writePoolFile(t, "a@example.com:pw\nb@example.com:pw\n")
	p, err := New(path)
	require.NoError(t, err)

	p.MarkUsed("a@example.com")
	require.NoError(t, os.WriteFile(path, []byte("a@example.com:pw\nb@example.com:pw\nc@example.com:pw\n"), 0o600))
	require.NoError(t, p.Reload())

	stats := p.Stats()
	require.Equal(t, Stats{Available: 2, Used: 1, Failed: 0, Total: 3}, stats)

	next, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, "b@example.com", next.Email)
}

func TestConcurrentMarking(t *testing.T) {
	lines := ""
	for i := 0; i < 50; i++ {
		lines += string(rune('a'+i%26)) + "x" + string(rune('0'+i%10)) + "@example.com:pw\n"
	}
	p, err := New(writePoolFile(t, lines))
	require.NoError(t, err)
	total := p.Stats().Total

	var wg sync.WaitGroup
	for p.Len() > 0 {
		c, err := p.Next()
		if err != nil {
			break
		}
		wg.Add(2)
		go func(email string) {
			defer wg.Done()
			p.MarkUsed(email)
		}(c.Email)
		go func(email string) {
			defer wg.Done()
			p.MarkFailed(email)
		}(c.Email)
		wg.Wait()
	}

	stats := p.Stats()
	require.Zero(t, stats.Available)
	require.Equal(t, total, stats.Used+stats.Failed)
}
