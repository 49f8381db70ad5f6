package dedup

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pinfairy/mediafetch/internal/pipeline"
)

func img(asset, fp string, w, h int) pipeline.MediaDescriptor {
	return pipeline.MediaDescriptor{
		AssetURL:    asset,
		Kind:        pipeline.MediaJPEG,
		Width:       w,
		Height:      h,
		Fingerprint: fp,
	}
}

func TestDedupeFingerprintTier(t *testing.T) {
	t.Parallel()

	items := []pipeline.MediaDescriptor{
		img("https://i.example.net/originals/aa/one.jpg", "fp-1", 1200, 900),
		img("https://i.example.net/originals/bb/two.jpg", "fp-2", 1200, 900),
		// Same bytes under a different name: fingerprint catches it.
		img("https://i.example.net/originals/cc/copy.jpg", "fp-1", 1200, 900),
	}

	kept, dropped := Dedupe(items)
	require.Len(t, kept, 2)
	require.Equal(t, 1, dropped)
	require.Equal(t, "fp-1", kept[0].Fingerprint)
	require.Equal(t, "fp-2", kept[1].Fingerprint)
}

func TestDedupeHeuristicTier(t *testing.T) {
	t.Parallel()

	// No fingerprints: variant URLs of one asset collapse on filename plus
	// resolution bucket.
	items := []pipeline.MediaDescriptor{
		img("https://i.example.net/736x/aa/photo.jpg", "", 736, 552),
		img("https://i.example.net/600x/aa/photo.jpg", "", 600, 450),
		img("https://i.example.net/736x/bb/other.jpg", "", 736, 552),
	}

	kept, dropped := Dedupe(items)
	require.Len(t, kept, 2)
	require.Equal(t, 1, dropped)
}

func TestDedupeWidthOnlyTierBuckets(t *testing.T) {
	t.Parallel()

	// Standard tier URLs expose only a width; the bucket keys off it rather
	// than falling back to unknown.
	items := []pipeline.MediaDescriptor{
		img("https://i.example.net/736x/aa/photo.jpg", "", 736, 0),
		img("https://i.example.net/800x/bb/photo.jpg", "", 800, 0),
		img("https://i.example.net/236x/cc/photo.jpg", "", 236, 0),
	}

	kept, dropped := Dedupe(items)
	// The two large-bucket variants collapse; the small one stays.
	require.Len(t, kept, 2)
	require.Equal(t, 1, dropped)
}

func TestDedupeDistinctResolutionBuckets(t *testing.T) {
	t.Parallel()

	// Same generic filename in clearly different resolution buckets is kept:
	// the bucket is part of the heuristic key.
	items := []pipeline.MediaDescriptor{
		img("https://i.example.net/200x200/aa/image.jpg", "", 200, 200),
		img("https://i.example.net/1600x1200/bb/image.jpg", "", 1600, 1200),
	}

	kept, dropped := Dedupe(items)
	require.Len(t, kept, 2)
	require.Zero(t, dropped)
}

func TestDedupeOrderPreservingAndIdempotent(t *testing.T) {
	t.Parallel()

	items := []pipeline.MediaDescriptor{
		img("https://i.example.net/originals/aa/c.jpg", "fp-c", 800, 600),
		img("https://i.example.net/originals/aa/a.jpg", "fp-a", 800, 600),
		img("https://i.example.net/originals/aa/c.jpg", "fp-c", 800, 600),
		img("https://i.example.net/originals/aa/b.jpg", "fp-b", 800, 600),
	}

	kept, dropped := Dedupe(items)
	require.Equal(t, 1, dropped)
	require.Equal(t, []string{"fp-c", "fp-a", "fp-b"}, fingerprints(kept))

	// Running dedupe on its own output changes nothing.
	again, dropped := Dedupe(kept)
	require.Zero(t, dropped)
	require.Equal(t, kept, again)
}

func TestDeduperScenarioTwelveDescriptors(t *testing.T) {
	t.Parallel()

	// 12 raw descriptors with 3 exact duplicate fingerprints -> 9 kept.
	dd := New()
	kept := 0
	for i := 0; i < 9; i++ {
		d := img("https://i.example.net/originals/aa/p"+string(rune('a'+i))+".jpg", "fp-"+string(rune('a'+i)), 1000, 1000)
		require.True(t, dd.Admit(d))
		kept++
	}
	for _, dup := range []string{"fp-a", "fp-b", "fp-c"} {
		d := img("https://i.example.net/originals/zz/"+dup+".jpg", dup, 1000, 1000)
		require.False(t, dd.Admit(d))
	}
	require.Equal(t, 9, kept)
	require.Equal(t, 3, dd.Dropped())
}

func fingerprints(items []pipeline.MediaDescriptor) []string {
	out := make([]string, 0, len(items))
	for _, d := range items {
		out = append(out, d.Fingerprint)
	}
	return out
}
