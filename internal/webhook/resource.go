package webhook

import (
	"regexp"
	"strings"
)

var resourceSegment = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_.]*)\(([^()]*)\)/?$`)

// ParseResource extracts the innermost name(value) segment of an OData resource path,
// e.g. "api/v2.0/companies(c1)/projectTasks(guid'abc')" -> ("projectTasks", "abc").
// Query options such as "?$select=id" are ignored. A path ending in a bare
// collection has no innermost key and is rejected.
func ParseResource(resource string) (entitySet, id string, ok bool) {
	path := strings.TrimSpace(resource)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = strings.TrimSpace(path[:i])
	}
	last := resourceSegment.FindStringSubmatch(path)
	if last == nil {
		return "", "", false
	}
	entitySet = last[1]
	if i := strings.LastIndexByte(entitySet, '.'); i >= 0 {
		entitySet = entitySet[i+1:]
	}
	id = cleanKey(last[2])
	if entitySet == "" || id == "" {
		return "", "", false
	}
	return entitySet, id, true
}

// cleanKey strips the wrappers OData and vendors put around keys: id='x', guid'x', {x}, "x".
func cleanKey(raw string) string {
	v := strings.TrimSpace(raw)
	if i := strings.LastIndexByte(v, '='); i >= 0 {
		v = strings.TrimSpace(v[i+1:])
	}
	if len(v) > 4 && strings.EqualFold(v[:4], "guid") && (v[4] == '\'' || v[4] == '"') {
		v = v[4:]
	}
	v = strings.Trim(v, `'"`)
	v = strings.Trim(v, "{}")
	return strings.TrimSpace(v)
}
