// Package matcher resolves a repo group's include/exclude regex pair
// against the repositories of a Pulp server.
package matcher

import (
	"regexp"
	"sort"

	"github.com/pulp-ops/pulp-manager/pkg/api"
)

// Match returns the repos whose name satisfies the include pattern and not
// the exclude pattern, in lexicographic order by name. An empty include
// matches everything; exclude always wins. The result is stable across
// calls with the same inputs.
func Match(repos []api.PulpServerRepo, include, exclude string) ([]api.PulpServerRepo, error) {
	var includeRe, excludeRe *regexp.Regexp
	var err error
	if include != "" {
		if includeRe, err = regexp.Compile(include); err != nil {
			return nil, api.TagErrorf(api.ErrorConfigInvalid, "regex_include %q does not compile: %v", include, err)
		}
	}
	if exclude != "" {
		if excludeRe, err = regexp.Compile(exclude); err != nil {
			return nil, api.TagErrorf(api.ErrorConfigInvalid, "regex_exclude %q does not compile: %v", exclude, err)
		}
	}

	var matched []api.PulpServerRepo
	for _, repo := range repos {
		if includeRe != nil && !includeRe.MatchString(repo.Name) {
			continue
		}
		if excludeRe != nil && excludeRe.MatchString(repo.Name) {
			continue
		}
		matched = append(matched, repo)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	return matched, nil
}

// MatchNames is Match over bare repository names.
func MatchNames(names []string, include, exclude string) ([]string, error) {
	repos := make([]api.PulpServerRepo, 0, len(names))
	for _, n := range names {
		repos = append(repos, api.PulpServerRepo{Name: n})
	}
	matched, err := Match(repos, include, exclude)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matched))
	for _, r := range matched {
		out = append(out, r.Name)
	}
	return out, nil
}
