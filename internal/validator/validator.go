// Package validator normalizes and gates incoming references before any
// network work or quota consumption happens.
package validator

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pinfairy/mediafetch/internal/pipeline"
)

// Config controls validation rules.
type Config struct {
	// AcceptedDomains is the hostname allow-list. Subdomains of an accepted
	// domain are accepted too.
	AcceptedDomains []string
	MinQueryLen     int
	MaxQueryLen     int
}

// Path shapes of known item and board pages.
var (
	itemPathRe  = regexp.MustCompile(`^/pin/\d+/?$`)
	shortPathRe = regexp.MustCompile(`^/[A-Za-z0-9]+/?$`)
	boardPathRe = regexp.MustCompile(`^/[^/]+/[^/]+/?$`)
)

// Query parameters worth keeping after normalization. Everything else is
// tracking noise.
var essentialParams = map[string]struct{}{
	"pin":   {},
	"board": {},
}

// Validator accepts or rejects references. It is a pure function of its
// configuration: no side effects, safe for concurrent use.
type Validator struct {
	cfg     Config
	domains []string
}

// New builds a Validator, applying defaults for unset fields.
func New(cfg Config) *Validator {
	if len(cfg.AcceptedDomains) == 0 {
		cfg.AcceptedDomains = []string{"pinterest.com", "pin.it"}
	}
	if cfg.MinQueryLen <= 0 {
		cfg.MinQueryLen = 2
	}
	if cfg.MaxQueryLen <= 0 {
		cfg.MaxQueryLen = 100
	}
	domains := make([]string, 0, len(cfg.AcceptedDomains))
	for _, d := range cfg.AcceptedDomains {
		domains = append(domains, strings.ToLower(strings.TrimSpace(d)))
	}
	return &Validator{cfg: cfg, domains: domains}
}

// Validate checks ref and returns its normalized form. Calling it twice on
// the same input yields the same result; it touches neither network nor
// quota state.
func (v *Validator) Validate(ref pipeline.Reference) (pipeline.NormalizedReference, error) {
	quality := ref.Quality
	if quality == "" {
		quality = pipeline.QualityHigh
	}

	switch ref.Kind {
	case pipeline.ReferenceQuery:
		query := strings.TrimSpace(ref.Query)
		n := utf8.RuneCountInString(query)
		if n < v.cfg.MinQueryLen || n > v.cfg.MaxQueryLen {
			return pipeline.NormalizedReference{}, &pipeline.ValidationError{
				Reason: pipeline.InvalidLength,
				Detail: "query length must be between 2 and 100 characters",
			}
		}
		return pipeline.NormalizedReference{
			Kind:    pipeline.ReferenceQuery,
			Query:   query,
			Quality: quality,
		}, nil

	case pipeline.ReferenceSingleItem, pipeline.ReferenceCollection:
		cleaned, err := v.normalizeURL(ref.URL, ref.Kind)
		if err != nil {
			return pipeline.NormalizedReference{}, err
		}
		return pipeline.NormalizedReference{
			Kind:    ref.Kind,
			URL:     cleaned,
			Quality: quality,
		}, nil

	default:
		return pipeline.NormalizedReference{}, &pipeline.ValidationError{
			Reason: pipeline.InvalidFormat,
			Detail: "unknown reference kind",
		}
	}
}

func (v *Validator) normalizeURL(raw string, kind pipeline.ReferenceKind) (string, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimRight(cleaned, "`\"'")

	u, err := url.Parse(cleaned)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", &pipeline.ValidationError{
			Reason: pipeline.InvalidFormat,
			Detail: "not a parseable absolute URL",
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &pipeline.ValidationError{
			Reason: pipeline.InvalidFormat,
			Detail: "unsupported scheme",
		}
	}

	host := strings.ToLower(u.Hostname())
	if !v.hostAccepted(host) {
		return "", &pipeline.ValidationError{
			Reason: pipeline.InvalidFormat,
			Detail: "host is not on the accepted domain list",
		}
	}

	if !pathAccepted(host, u.Path, kind) {
		return "", &pipeline.ValidationError{
			Reason: pipeline.InvalidFormat,
			Detail: "path does not match a known item or board shape",
		}
	}

	// Drop tracking parameters, keep the essential ones.
	query := u.Query()
	kept := url.Values{}
	for key := range essentialParams {
		if query.Has(key) {
			kept.Set(key, query.Get(key))
		}
	}
	u.RawQuery = kept.Encode()
	u.Fragment = ""
	u.Host = host

	return u.String(), nil
}

func (v *Validator) hostAccepted(host string) bool {
	for _, d := range v.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// pathAccepted matches the URL path against the shapes accepted for kind.
// Short-link hosts (pin.it style, single path segment) only identify single
// items; the fetch layer resolves them through the redirect.
func pathAccepted(host, path string, kind pipeline.ReferenceKind) bool {
	shortHost := strings.Count(host, ".") == 1 && strings.HasPrefix(host, "pin.")

	switch kind {
	case pipeline.ReferenceSingleItem:
		if itemPathRe.MatchString(path) {
			return true
		}
		return shortHost && shortPathRe.MatchString(path)
	case pipeline.ReferenceCollection:
		// A board path is /<user>/<board>, which also shadows /pin/<id>;
		// reject the pin shape explicitly.
		return boardPathRe.MatchString(path) && !itemPathRe.MatchString(path)
	default:
		return false
	}
}
