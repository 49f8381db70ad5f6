// Package pinparse extracts media candidates from remote page markup and
// feed JSON. Both fetch backends share it: the primary backend feeds it raw
// HTTP bodies, the fallback feeds it rendered DOM.
package pinparse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pinfairy/mediafetch/internal/pipeline"
)

var (
	imageURLRe = regexp.MustCompile(`https://i\.pinimg\.com/[^\s"'\\<>]+`)
	videoURLRe = regexp.MustCompile(`https://v\.pinimg\.com/[^\s"'\\<>]+\.mp4`)

	resolutionRe = regexp.MustCompile(`/(\d+)x(\d*)/`)
	tierRe       = regexp.MustCompile(`/(\d+x\d*|originals)/`)

	boardIDRe  = regexp.MustCompile(`"board_id":\s*"(\d+)"`)
	bookmarkRe = regexp.MustCompile(`"bookmarks":\s*\["([^"]+)"\]`)
)

// BookmarkEnd is the cursor value the feed returns once a board is exhausted.
const BookmarkEnd = "-end-"

// ExtractImageURLs returns the distinct image asset URLs found in markup,
// in order of first appearance.
func ExtractImageURLs(markup string) []string {
	return distinct(imageURLRe.FindAllString(markup, -1), isImageURL)
}

// ExtractVideoURLs returns the distinct video asset URLs found in markup.
func ExtractVideoURLs(markup string) []string {
	return distinct(videoURLRe.FindAllString(markup, -1), nil)
}

func distinct(urls []string, accept func(string) bool) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if accept != nil && !accept(u) {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func isImageURL(u string) bool {
	switch KindFromURL(u) {
	case pipeline.MediaJPEG, pipeline.MediaPNG, pipeline.MediaWebP:
		return true
	default:
		return false
	}
}

// ParseResolution extracts width and height from the resolution URL segment.
// The standard tiers are width-only (/736x/, /236x/), so height is often
// zero; both are zero when the segment is absent (originals carry no
// dimensions).
func ParseResolution(assetURL string) (int, int) {
	m := resolutionRe.FindStringSubmatch(assetURL)
	if m == nil {
		return 0, 0
	}
	w, _ := strconv.Atoi(m[1])
	h := 0
	if m[2] != "" {
		h, _ = strconv.Atoi(m[2])
	}
	return w, h
}

// WithTier rewrites the resolution segment of assetURL to the given tier
// ("originals", "736x", "236x"). URLs without a tier segment are returned
// unchanged.
func WithTier(assetURL, tier string) string {
	return tierRe.ReplaceAllString(assetURL, "/"+tier+"/")
}

// TierForQuality maps a caller quality preference to the resolution ladder.
func TierForQuality(q pipeline.Quality) string {
	switch q {
	case pipeline.QualityLow:
		return "236x"
	case pipeline.QualityMedium:
		return "736x"
	default:
		return "originals"
	}
}

// KindFromURL infers the media kind from the asset URL extension.
func KindFromURL(assetURL string) pipeline.MediaKind {
	path := assetURL
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	switch strings.ToLower(path[strings.LastIndex(path, ".")+1:]) {
	case "jpg", "jpeg":
		return pipeline.MediaJPEG
	case "png":
		return pipeline.MediaPNG
	case "webp":
		return pipeline.MediaWebP
	case "mp4":
		return pipeline.MediaMP4
	default:
		return pipeline.MediaUnknown
	}
}

// Descriptor builds a MediaDescriptor from a discovered asset URL, filling
// kind and any resolution the URL itself exposes.
func Descriptor(sourceURL, assetURL string) pipeline.MediaDescriptor {
	w, h := ParseResolution(assetURL)
	return pipeline.MediaDescriptor{
		SourceURL: sourceURL,
		AssetURL:  assetURL,
		Kind:      KindFromURL(assetURL),
		Width:     w,
		Height:    h,
	}
}

// BoardMeta is the pagination anchor scraped from the first board page.
type BoardMeta struct {
	BoardID  string
	Bookmark string
}

// ExtractBoardMeta pulls the board ID and first bookmark cursor out of the
// initial board HTML. Either field may be empty when the board is private,
// empty, or the markup changed.
func ExtractBoardMeta(markup string) BoardMeta {
	meta := BoardMeta{}
	if m := boardIDRe.FindStringSubmatch(markup); m != nil {
		meta.BoardID = m[1]
	}
	if m := bookmarkRe.FindStringSubmatch(markup); m != nil {
		meta.Bookmark = m[1]
	}
	return meta
}
