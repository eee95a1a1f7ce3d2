// Package pluginroute implements §6's plugin-scoped HTTP route
// registry: every plugin's routes are namespaced under
// /api/<plugin><path>, :name path segments bind parameters, and
// same-plugin/same-method/same-path registrations conflict.
//
// Ported directly from
// original_source/vibes-core/src/plugins/routes.rs's RouteRegistry,
// PathMatcher and RegisteredPluginRoute, in Go idiom (net/http method
// strings instead of an HttpMethod enum).
package pluginroute

// RouteSpec is what a plugin registers: one HTTP method and path,
// relative to its own /api/<plugin> namespace.
type RouteSpec struct {
	Method string
	Path   string
}

// RegisteredPluginRoute is one route after namespacing and path
// compilation.
type RegisteredPluginRoute struct {
	PluginName string
	Spec       RouteSpec
	FullPath   string

	matcher pathMatcher
}

type pathSegmentKind int

const (
	segmentLiteral pathSegmentKind = iota
	segmentParam
)

type pathSegment struct {
	kind  pathSegmentKind
	value string // literal text, or param name
}

type pathMatcher struct {
	segments []pathSegment
}

func newPathMatcher(path string) pathMatcher {
	var segments []pathSegment
	for _, part := range splitPath(path) {
		if name, ok := cutPrefix(part, ":"); ok {
			segments = append(segments, pathSegment{kind: segmentParam, value: name})
		} else {
			segments = append(segments, pathSegment{kind: segmentLiteral, value: part})
		}
	}
	return pathMatcher{segments: segments}
}

func (m pathMatcher) match(path string) (map[string]string, bool) {
	parts := splitPath(path)
	if len(parts) != len(m.segments) {
		return nil, false
	}

	params := make(map[string]string)
	for i, seg := range m.segments {
		switch seg.kind {
		case segmentLiteral:
			if seg.value != parts[i] {
				return nil, false
			}
		case segmentParam:
			params[seg.value] = parts[i]
		}
	}
	return params, true
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}

// Registry holds every plugin's registered HTTP routes.
type Registry struct {
	routes []*RegisteredPluginRoute
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Register namespaces and compiles each of specs under
// /api/<pluginName> and adds it to the registry.
func (r *Registry) Register(pluginName string, specs []RouteSpec) {
	for _, spec := range specs {
		fullPath := "/api/" + pluginName + spec.Path
		r.routes = append(r.routes, &RegisteredPluginRoute{
			PluginName: pluginName,
			Spec:       spec,
			FullPath:   fullPath,
			matcher:    newPathMatcher(fullPath),
		})
	}
}

// CheckConflict reports the plugin name that already owns the exact
// method+path spec would register under pluginName's namespace, or ""
// if there is no conflict. Different plugins never conflict on the
// same path since each is namespaced separately.
func (r *Registry) CheckConflict(pluginName string, spec RouteSpec) string {
	fullPath := "/api/" + pluginName + spec.Path
	for _, route := range r.routes {
		if route.Spec.Method == spec.Method && route.FullPath == fullPath {
			return route.PluginName
		}
	}
	return ""
}

// MatchRoute finds the first registered route matching method and
// path, returning it along with any extracted :param values.
func (r *Registry) MatchRoute(method, path string) (*RegisteredPluginRoute, map[string]string, bool) {
	for _, route := range r.routes {
		if route.Spec.Method != method {
			continue
		}
		if params, ok := route.matcher.match(path); ok {
			return route, params, true
		}
	}
	return nil, nil, false
}

// Unregister removes every route owned by pluginName.
func (r *Registry) Unregister(pluginName string) {
	kept := r.routes[:0]
	for _, route := range r.routes {
		if route.PluginName != pluginName {
			kept = append(kept, route)
		}
	}
	r.routes = kept
}
