// Package moderation decides whether a review comment may be published.
// The engine is pure: it holds compiled patterns and performs no I/O.
package moderation

import (
	"net/url"
	"regexp"
	"strings"
)

// Rejection reasons.
const (
	ReasonInappropriateLanguage = "contains inappropriate language"
	ReasonDisallowedLinks       = "contains disallowed or suspicious links"
)

// Config lists the terms and domains the engine checks against.
type Config struct {
	ForbiddenWords    []string
	RejectAllLinks    bool
	AllowedDomains    []string
	SuspiciousDomains []string
}

// DefaultConfig returns the built-in word and domain lists.
func DefaultConfig() Config {
	return Config{
		ForbiddenWords:    []string{"mierda", "idiota", "estafa", "timo", "spam", "imbécil"},
		RejectAllLinks:    false,
		AllowedDomains:    []string{"youtube.com", "amazon.com"},
		SuspiciousDomains: []string{"bit.ly", "tinyurl.com", "goo.gl", "t.co", "short.link"},
	}
}

// Result is the outcome of moderating one comment. Reason is empty when the
// comment is approved.
type Result struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// linkPattern finds scheme URLs, www-prefixed hosts and bare name.tld tokens.
// Bare tokens are only candidates; see Engine.isBareLink.
var linkPattern = regexp.MustCompile(
	`(?i)https?://\S+` +
		`|www\.\S+` +
		`|\b[a-z0-9](?:[a-z0-9-]*[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]*[a-z0-9])?)*\.[a-z]{2,24}\b(?:/\S*)?`,
)

// commonTLDs are the top-level domains a bare name.tld token must end in to
// count as a link when no path follows it. Sentences missing a space after a
// period ("great.Arrived") or names like Node.js stay plain text.
var commonTLDs = []string{
	"com", "net", "org", "info", "biz", "io", "co", "ly", "gl", "me",
	"app", "dev", "shop", "store", "online", "site", "xyz", "link",
	"ar", "uy", "cl", "mx", "br", "es", "us", "uk", "de",
}

// Engine applies the forbidden-word check and then the link check.
type Engine struct {
	words      *regexp.Regexp
	rejectAll  bool
	allowed    []string
	suspicious []string
	tlds       map[string]struct{}
}

// NewEngine compiles cfg into an Engine.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		rejectAll:  cfg.RejectAllLinks,
		allowed:    normalizeDomains(cfg.AllowedDomains),
		suspicious: normalizeDomains(cfg.SuspiciousDomains),
		tlds:       make(map[string]struct{}),
	}

	for _, tld := range commonTLDs {
		e.tlds[tld] = struct{}{}
	}
	for _, d := range append(append([]string{}, e.allowed...), e.suspicious...) {
		if i := strings.LastIndexByte(d, '.'); i >= 0 && i < len(d)-1 {
			e.tlds[d[i+1:]] = struct{}{}
		}
	}

	var alts []string
	for _, w := range cfg.ForbiddenWords {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		alts = append(alts, regexp.QuoteMeta(w))
	}
	if len(alts) > 0 {
		// \b in RE2 only knows ASCII, so boundaries are spelled out to keep
		// accented letters part of the word.
		e.words = regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_])(?:` + strings.Join(alts, "|") + `)(?:$|[^\p{L}\p{N}_])`)
	}
	return e
}

// Moderate runs the word check first so that a comment failing both checks
// reports the language violation.
func (e *Engine) Moderate(comment string) Result {
	if e.hasForbiddenWords(comment) {
		return Result{Approved: false, Reason: ReasonInappropriateLanguage}
	}
	if e.hasDisallowedLinks(comment) {
		return Result{Approved: false, Reason: ReasonDisallowedLinks}
	}
	return Result{Approved: true}
}

func (e *Engine) hasForbiddenWords(comment string) bool {
	return e.words != nil && e.words.MatchString(comment)
}

func (e *Engine) hasDisallowedLinks(comment string) bool {
	links := e.findLinks(comment)
	if len(links) == 0 {
		return false
	}
	if e.rejectAll {
		return true
	}

	for _, link := range links {
		host, ok := hostOf(link)
		if !ok {
			return true
		}
		if e.isSuspicious(host) || !e.isAllowed(host) {
			return true
		}
	}
	return false
}

func (e *Engine) findLinks(comment string) []string {
	var links []string
	for _, token := range linkPattern.FindAllString(comment, -1) {
		lower := strings.ToLower(token)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
			strings.HasPrefix(lower, "www.") || e.isBareLink(lower) {
			links = append(links, token)
		}
	}
	return links
}

// isBareLink reports whether a scheme-less token such as "example.org/deal"
// or "amazon.com" names a host: a path follows it or its last label is a
// known top-level domain.
func (e *Engine) isBareLink(token string) bool {
	if strings.Contains(token, "/") {
		return true
	}
	token = strings.TrimRight(token, ".")
	i := strings.LastIndexByte(token, '.')
	if i < 0 {
		return false
	}
	_, ok := e.tlds[token[i+1:]]
	return ok
}

func (e *Engine) isSuspicious(host string) bool {
	for _, d := range e.suspicious {
		if strings.Contains(host, d) {
			return true
		}
	}
	return false
}

func (e *Engine) isAllowed(host string) bool {
	for _, d := range e.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// hostOf extracts the lower-cased host of a link token without its www.
// prefix.
func hostOf(link string) (string, bool) {
	link = strings.TrimRight(strings.ToLower(link), ".,;:!?)]}\"'")
	if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
		link = "http://" + link
	}

	u, err := url.Parse(link)
	if err != nil {
		return "", false
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	if host == "" {
		return "", false
	}
	return host, true
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}
