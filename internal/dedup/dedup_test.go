package dedup

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InfinityXOneSystems/safecrawl/internal/hash/blake3"
)

func TestNormalizeText(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a b c", NormalizeText("  a\n\tb   c \r\n"))
	require.Equal(t, "", NormalizeText(" \n\t "))
}

func TestFingerprintIgnoresWhitespaceLayout(t *testing.T) {
	t.Parallel()

	f := NewFingerprinter(nil)
	a, err := f.Fingerprint("Hello   world\n\nagain")
	require.NoError(t, err)
	b, err := f.Fingerprint(" Hello world again ")
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 64)

	c, err := f.Fingerprint("Hello world, again")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestFingerprintIdempotent(t *testing.T) {
	t.Parallel()

	f := NewFingerprinter(blake3.New())
	text := NormalizeText("some   page text")
	first, err := f.Fingerprint(text)
	require.NoError(t, err)
	second, err := f.Fingerprint(text)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestHasherFor(t *testing.T) {
	t.Parallel()

	for _, algo := range []string{"", "sha256", "SHA256", "blake3"} {
		h, err := HasherFor(algo)
		require.NoError(t, err, algo)
		require.NotNil(t, h)
	}
	_, err := HasherFor("md5")
	require.Error(t, err)
}

func TestSetIsDuplicateAtomic(t *testing.T) {
	t.Parallel()

	s := NewSet()
	const goroutines = 32
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !s.IsDuplicate("fp") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, fresh)
	require.Equal(t, 1, s.Len())
	require.False(t, s.IsDuplicate("other"))
	require.True(t, s.IsDuplicate("other"))
}
