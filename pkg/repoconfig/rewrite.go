package repoconfig

import (
	"fmt"
	"regexp"

	"k8s.io/apimachinery/pkg/util/sets"
)

var rulePlaceholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// NameRewriter rewrites catalog names through a pattern of named groups and
// a rule of {group} placeholders, e.g. pattern
// `(?P<os>[a-z]+)-(?P<rest>.*)` with rule `{os}_{rest}`. Names the pattern
// does not match pass through unchanged.
type NameRewriter struct {
	pattern *regexp.Regexp
	rule    string
}

// NewNameRewriter validates and compiles a rewrite. The pattern matches at
// the beginning of the name; every placeholder in the rule must be a named
// group of the pattern.
func NewNameRewriter(pattern, rule string) (*NameRewriter, error) {
	compiled, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return nil, fmt.Errorf("replacement pattern does not compile: %w", err)
	}
	groups := sets.New[string]()
	for _, name := range compiled.SubexpNames() {
		if name != "" {
			groups.Insert(name)
		}
	}
	for _, placeholder := range rulePlaceholder.FindAllStringSubmatch(rule, -1) {
		if !groups.Has(placeholder[1]) {
			return nil, fmt.Errorf("replacement rule references group %q which the pattern does not define", placeholder[1])
		}
	}
	return &NameRewriter{pattern: compiled, rule: rule}, nil
}

// Apply rewrites name, or returns it unchanged when the pattern does not
// match. A nil rewriter passes everything through.
func (r *NameRewriter) Apply(name string) string {
	if r == nil {
		return name
	}
	match := r.pattern.FindStringSubmatch(name)
	if match == nil {
		return name
	}
	values := map[string]string{}
	for i, group := range r.pattern.SubexpNames() {
		if group != "" {
			values[group] = match[i]
		}
	}
	return rulePlaceholder.ReplaceAllStringFunc(r.rule, func(placeholder string) string {
		return values[placeholder[1:len(placeholder)-1]]
	})
}
