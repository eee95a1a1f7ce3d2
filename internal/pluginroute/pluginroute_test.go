package pluginroute_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/run-vibes/vibes-core/internal/pluginroute"
)

func TestRegisterRoutes(t *testing.T) {
	r := pluginroute.New()
	r.Register("groove", []pluginroute.RouteSpec{{Method: "GET", Path: "/policy"}})

	route, params, ok := r.MatchRoute("GET", "/api/groove/policy")
	require.True(t, ok)
	require.Equal(t, "groove", route.PluginName)
	require.Empty(t, params)
}

func TestPathParameterExtraction(t *testing.T) {
	r := pluginroute.New()
	r.Register("groove", []pluginroute.RouteSpec{{Method: "GET", Path: "/quarantine/:id"}})

	route, params, ok := r.MatchRoute("GET", "/api/groove/quarantine/123")
	require.True(t, ok)
	require.Equal(t, "groove", route.PluginName)
	require.Equal(t, "123", params["id"])
}

func TestNoMatchWrongMethod(t *testing.T) {
	r := pluginroute.New()
	r.Register("groove", []pluginroute.RouteSpec{{Method: "GET", Path: "/policy"}})

	_, _, ok := r.MatchRoute("POST", "/api/groove/policy")
	require.False(t, ok)
}

func TestNoMatchWrongPath(t *testing.T) {
	r := pluginroute.New()
	r.Register("groove", []pluginroute.RouteSpec{{Method: "GET", Path: "/policy"}})

	_, _, ok := r.MatchRoute("GET", "/api/groove/other")
	require.False(t, ok)
}

func TestCheckConflictFindsExisting(t *testing.T) {
	r := pluginroute.New()
	r.Register("plugin-a", []pluginroute.RouteSpec{{Method: "POST", Path: "/action"}})

	conflict := r.CheckConflict("plugin-a", pluginroute.RouteSpec{Method: "POST", Path: "/action"})
	require.Equal(t, "plugin-a", conflict)
}

func TestCheckConflictDifferentPluginNoConflict(t *testing.T) {
	r := pluginroute.New()
	r.Register("plugin-a", []pluginroute.RouteSpec{{Method: "POST", Path: "/action"}})

	conflict := r.CheckConflict("plugin-b", pluginroute.RouteSpec{Method: "POST", Path: "/action"})
	require.Empty(t, conflict)
}

func TestCheckConflictDifferentMethodNoConflict(t *testing.T) {
	r := pluginroute.New()
	r.Register("plugin-a", []pluginroute.RouteSpec{{Method: "GET", Path: "/resource"}})

	conflict := r.CheckConflict("plugin-a", pluginroute.RouteSpec{Method: "POST", Path: "/resource"})
	require.Empty(t, conflict)
}

func TestUnregisterRemovesAllPluginRoutes(t *testing.T) {
	r := pluginroute.New()
	r.Register("test-plugin", []pluginroute.RouteSpec{
		{Method: "GET", Path: "/route1"},
		{Method: "POST", Path: "/route2"},
	})

	_, _, ok := r.MatchRoute("GET", "/api/test-plugin/route1")
	require.True(t, ok)
	_, _, ok = r.MatchRoute("POST", "/api/test-plugin/route2")
	require.True(t, ok)

	r.Unregister("test-plugin")

	_, _, ok = r.MatchRoute("GET", "/api/test-plugin/route1")
	require.False(t, ok)
	_, _, ok = r.MatchRoute("POST", "/api/test-plugin/route2")
	require.False(t, ok)
}

func TestMultiplePathParameters(t *testing.T) {
	r := pluginroute.New()
	r.Register("groove", []pluginroute.RouteSpec{
		{Method: "GET", Path: "/sessions/:session_id/messages/:msg_id"},
	})

	route, params, ok := r.MatchRoute("GET", "/api/groove/sessions/abc/messages/123")
	require.True(t, ok)
	require.Equal(t, "groove", route.PluginName)
	require.Equal(t, "abc", params["session_id"])
	require.Equal(t, "123", params["msg_id"])
}

func TestDefaultCreatesEmptyRegistry(t *testing.T) {
	r := pluginroute.New()
	_, _, ok := r.MatchRoute("GET", "/any/path")
	require.False(t, ok)
}
