package scan

import (
	"encoding/base64"
	"regexp"
	"strings"

	"echobin/cfg"

	"github.com/pkg/errors"
)

const discordPattern = `[a-zA-Z0-9_-]{20,28}\.[a-zA-Z0-9_-]{6,7}\.[a-zA-Z0-9_-]{27,}`

type kind int

const (
	kindStructural kind = iota
	kindGeneric
)

// Scanner pairs a pattern with a confirmation rule. Structural scanners
// check the shape of a match before reporting it; generic scanners trust
// the pattern.
type Scanner struct {
	service    string
	pattern    *regexp.Regexp
	invalidate bool
	kind       kind
}

func (s *Scanner) Service() string   { return s.service }
func (s *Scanner) Invalidates() bool { return s.invalidate }

// Match returns the byte ranges of every non-overlapping match, leftmost first.
func (s *Scanner) Match(content string) [][]int {
	return s.pattern.FindAllStringIndex(content, -1)
}
func (s *Scanner) Confirm(candidate string) bool {
	switch s.kind {
	case kindStructural:
		return confirmDiscordToken(candidate)
	default:
		return true
	}
}

// A bot token is <base64 user id>.<timestamp>.<hmac>. The first segment must
// decode as unpadded standard base64; a lone trailing symbol cannot carry a
// full byte and is ignored.
func confirmDiscordToken(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	id := parts[0]
	if len(id)%4 == 1 {
		id = id[:len(id)-1]
	}
	if id == "" {
		return false
	}
	_, err := base64.RawStdEncoding.Strict().DecodeString(id)
	return err == nil
}

type Registry struct {
	scanners []*Scanner
}

// NewRegistry builds the built-in scanners followed by the configured ones,
// in file order. Any pattern that does not compile fails the whole registry.
func NewRegistry(defs []cfg.ScannerDef) (*Registry, error) {
	r := &Registry{
		scanners: []*Scanner{{
			service:    "Discord",
			pattern:    regexp.MustCompile(discordPattern),
			invalidate: true,
			kind:       kindStructural,
		}},
	}
	for i, d := range defs {
		if strings.TrimSpace(d.Name) == "" {
			return nil, errors.Errorf("scanner %d: name is required", i)
		}
		if d.Pattern == "" {
			return nil, errors.Errorf("scanner %q: pattern is required", d.Name)
		}
		re, err := regexp.Compile(d.Pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "scanner %q: invalid pattern", d.Name)
		}
		r.scanners = append(r.scanners, &Scanner{
			service:    d.Name,
			pattern:    re,
			invalidate: d.ShouldInvalidate(),
			kind:       kindGeneric,
		})
	}
	return r, nil
}
func (r *Registry) Scanners() []*Scanner {
	return r.scanners
}
func (r *Registry) Len() int {
	return len(r.scanners)
}
