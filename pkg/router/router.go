// Package router implements the ordered rule-matching router of spec
// §4.5: literal-prefix or regex path matching, $n upstream-template
// substitution, and declared-order literal-substring rewrites.
// Generalized from the teacher's pkg/model/request.go matchRule
// (prefix-only matching), adding regex capture support.
package router

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mirror-cache/mirror-cache/pkg/config"
)

// regexMetachars is the set of characters that mark a rule's path as a
// regex rather than a literal prefix, mirroring §6: "path is either a
// literal prefix (no regex metacharacters) or a regex containing at
// least one (...) capture".
const regexMetachars = `()[]{}.*+?^$|\`

// Rule is a compiled, routable form of config.Rule.
type Rule struct {
	Name              string
	Policy            string
	UpstreamTemplate  string
	Rewrites          []config.Rewrite
	ContentTypeOverride string
	SizeLimitBytes    uint64

	isRegex bool
	prefix  string
	re      *regexp.Regexp
}

// Match is the result of a successful route resolution.
type Match struct {
	Rule        *Rule
	CacheKey    string
	UpstreamURL string
}

// Router holds the compiled, ordered rule list. The first match wins;
// the router never reorders rules (disjointness is the operator's
// responsibility per §4.5).
type Router struct {
	rules []*Rule
}

// New compiles cfg's rules in declaration order.
func New(rules []config.Rule) (*Router, error) {
	compiled := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		cr, err := compile(r)
		if err != nil {
			return nil, fmt.Errorf("router: rule %q: %w", r.Path, err)
		}
		compiled = append(compiled, cr)
	}
	return &Router{rules: compiled}, nil
}

func compile(r config.Rule) (*Rule, error) {
	cr := &Rule{
		Name:                r.Name,
		Policy:              r.Policy,
		UpstreamTemplate:    r.Upstream,
		Rewrites:            r.Rewrite,
		ContentTypeOverride: r.Options.ContentType,
		SizeLimitBytes:      r.SizeLimitBytes,
	}
	if strings.ContainsAny(r.Path, regexMetachars) {
		re, err := regexp.Compile("^" + r.Path + "$")
		if err != nil {
			return nil, fmt.Errorf("invalid regex path: %w", err)
		}
		if re.NumSubexp() == 0 {
			return nil, fmt.Errorf("regex path %q has no capture groups", r.Path)
		}
		cr.isRegex = true
		cr.re = re
	} else {
		cr.prefix = strings.TrimPrefix(r.Path, "/")
	}
	return cr, nil
}

// Route resolves path (with any leading "/" stripped by the caller, per
// §4.5 — Route strips it defensively too) against the ordered rule
// list. Returns (nil, false) on no match (-> 404 per §7).
func (rt *Router) Route(path string) (*Match, bool) {
	path = strings.TrimPrefix(path, "/")

	for _, r := range rt.rules {
		if r.isRegex {
			groups := r.re.FindStringSubmatch(path)
			if groups == nil {
				continue
			}
			return &Match{
				Rule:        r,
				CacheKey:    path,
				UpstreamURL: substituteCaptures(r.UpstreamTemplate, groups),
			}, true
		}

		if strings.HasPrefix(path, r.prefix) {
			tail := path[len(r.prefix):]
			return &Match{
				Rule:        r,
				CacheKey:    path,
				UpstreamURL: r.UpstreamTemplate + tail,
			}, true
		}
	}
	return nil, false
}

// substituteCaptures replaces $1, $2, ... in template with the
// corresponding regex capture groups (groups[0] is the whole match).
func substituteCaptures(template string, groups []string) string {
	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); i++ {
		if template[i] == '$' && i+1 < len(template) && isDigit(template[i+1]) {
			j := i + 1
			for j < len(template) && isDigit(template[j]) {
				j++
			}
			n, _ := strconv.Atoi(template[i+1 : j])
			if n < len(groups) {
				b.WriteString(groups[n])
			}
			i = j - 1
			continue
		}
		b.WriteByte(template[i])
	}
	return b.String()
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// ApplyRewrites applies each rewrite in declaration order as a single
// left-to-right literal substring replacement (spec §4.5: "a single
// left-to-right scan", not simultaneous multi-pattern replacement —
// that is why this uses strings.ReplaceAll per rewrite in sequence
// rather than a single strings.NewReplacer over all patterns at once).
func ApplyRewrites(body []byte, rewrites []config.Rewrite) []byte {
	if len(rewrites) == 0 {
		return body
	}
	s := string(body)
	for _, rw := range rewrites {
		if rw.From == "" {
			continue
		}
		s = strings.ReplaceAll(s, rw.From, rw.To)
	}
	return []byte(s)
}

// ShouldRewrite reports whether a response of contentType should have
// rewrites applied, per §4.5: "text/" prefixed types, or a type
// matching the rule's content_type_override.
func ShouldRewrite(rule *Rule, contentType string) bool {
	if strings.HasPrefix(contentType, "text/") {
		return true
	}
	if rule.ContentTypeOverride != "" && contentType == rule.ContentTypeOverride {
		return true
	}
	return false
}
