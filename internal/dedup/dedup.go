// Package dedup removes duplicate media descriptors within one batch,
// preserving first-seen order. Scope is a single request; there is no
// cross-request duplicate store.
package dedup

import (
	"regexp"
	"strings"

	"github.com/pinfairy/mediafetch/internal/pipeline"
)

// resolutionSegment matches the /WxH/, /Wx/ or /originals/ path segment that
// asset URLs carry between the host and the filename.
var resolutionSegment = regexp.MustCompile(`/(\d+x\d*|originals)/`)

// Resolution buckets for the heuristic key. Coarse on purpose: two variants
// of the same asset land in the same bucket, two genuinely different assets
// sharing a filename usually do too. See the note on Deduper.
const (
	bucketUnknown = "u"
	bucketSmall   = "s" // below 736x736
	bucketLarge   = "l"
)

// Deduper tracks the keys seen in one batch. Two tiers: the exact content
// fingerprint when the payload was hashed, and otherwise a heuristic key of
// normalized filename plus resolution bucket.
//
// The heuristic tier can suppress distinct images that share a generic
// filename. That false-positive risk is accepted; the key is deliberately
// not strengthened beyond filename and bucket.
type Deduper struct {
	seenFingerprints map[string]struct{}
	seenHeuristic    map[string]struct{}
	dropped          int
}

// New creates an empty Deduper for one batch.
func New() *Deduper {
	return &Deduper{
		seenFingerprints: make(map[string]struct{}),
		seenHeuristic:    make(map[string]struct{}),
	}
}

// Admit reports whether d is the first occurrence in the batch, recording
// its keys. A descriptor is a duplicate if either tier matches.
func (dd *Deduper) Admit(d pipeline.MediaDescriptor) bool {
	fpKey := ""
	if d.Fingerprint != "" {
		fpKey = d.Fingerprint
		if _, ok := dd.seenFingerprints[fpKey]; ok {
			dd.dropped++
			return false
		}
	}

	hKey := heuristicKey(d)
	if _, ok := dd.seenHeuristic[hKey]; ok {
		dd.dropped++
		return false
	}

	if fpKey != "" {
		dd.seenFingerprints[fpKey] = struct{}{}
	}
	dd.seenHeuristic[hKey] = struct{}{}
	return true
}

// Dropped returns how many descriptors Admit has rejected so far.
func (dd *Deduper) Dropped() int {
	return dd.dropped
}

// Dedupe filters items in order, first-seen-wins, returning the kept
// descriptors and the number dropped.
func Dedupe(items []pipeline.MediaDescriptor) ([]pipeline.MediaDescriptor, int) {
	dd := New()
	kept := make([]pipeline.MediaDescriptor, 0, len(items))
	for _, d := range items {
		if dd.Admit(d) {
			kept = append(kept, d)
		}
	}
	return kept, dd.Dropped()
}

func heuristicKey(d pipeline.MediaDescriptor) string {
	return normalizeFilename(d.AssetURL) + ":" + resolutionBucket(d)
}

// normalizeFilename strips the resolution segment from the asset URL and
// returns the lowercase basename, so variant URLs of one asset collapse to
// the same name.
func normalizeFilename(assetURL string) string {
	stripped := resolutionSegment.ReplaceAllString(assetURL, "/")
	if i := strings.Index(stripped, "?"); i >= 0 {
		stripped = stripped[:i]
	}
	if i := strings.LastIndex(stripped, "/"); i >= 0 {
		stripped = stripped[i+1:]
	}
	return strings.ToLower(stripped)
}

func resolutionBucket(d pipeline.MediaDescriptor) string {
	// Width-only tier segments (/736x/, /236x/) leave Height at zero;
	// bucket those by width alone.
	if d.Width > 0 && d.Height == 0 {
		if d.Width < 736 {
			return bucketSmall
		}
		return bucketLarge
	}
	px := d.Pixels()
	switch {
	case px == 0:
		return bucketUnknown
	case px < 736*736:
		return bucketSmall
	default:
		return bucketLarge
	}
}
