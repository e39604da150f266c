package route

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/mockforge/mockforge/infrastructure/errors"
	"github.com/mockforge/mockforge/domain/protocol"
)

func httpReq(op, path string) *protocol.Request {
	return &protocol.Request{Protocol: protocol.ProtocolHTTP, Operation: op, Path: path}
}

func TestLiteralMatch(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add(Route{Protocol: protocol.ProtocolHTTP, Operation: "GET", Pattern: "/health", Priority: 10})
	require.NoError(t, err)

	_, ok := r.Match(httpReq("GET", "/health"))
	assert.True(t, ok)
	_, ok = r.Match(httpReq("GET", "/healthz"))
	assert.False(t, ok)
	_, ok = r.Match(httpReq("POST", "/health"))
	assert.False(t, ok)
}

func TestTemplateParams(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add(Route{Protocol: protocol.ProtocolHTTP, Operation: "GET", Pattern: "/users/{id}/orders/{oid}", Priority: 10})
	require.NoError(t, err)

	h, ok := r.Match(httpReq("GET", "/users/42/orders/9"))
	require.True(t, ok)
	assert.Equal(t, "42", h.Params["id"])
	assert.Equal(t, "9", h.Params["oid"])
}

func TestWildcards(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add(Route{Protocol: protocol.ProtocolHTTP, Operation: "GET", Pattern: "/static/*", Priority: 10})
	require.NoError(t, err)
	_, err = r.Add(Route{Protocol: protocol.ProtocolHTTP, Operation: "GET", Pattern: "/api/**", Priority: 20})
	require.NoError(t, err)

	_, ok := r.Match(httpReq("GET", "/static/logo.png"))
	assert.True(t, ok)
	_, ok = r.Match(httpReq("GET", "/static/a/b"))
	assert.False(t, ok, "single-segment wildcard must not span segments")

	_, ok = r.Match(httpReq("GET", "/api/v1/users/7"))
	assert.True(t, ok)
}

func TestRegexPattern(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add(Route{Protocol: protocol.ProtocolHTTP, Operation: "GET", Pattern: `re:^/items/\d+$`, Priority: 10})
	require.NoError(t, err)

	_, ok := r.Match(httpReq("GET", "/items/123"))
	assert.True(t, ok)
	_, ok = r.Match(httpReq("GET", "/items/abc"))
	assert.False(t, ok)
}

func TestPriorityPrecedence(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add(Route{Protocol: protocol.ProtocolHTTP, Operation: "GET", Pattern: "/users/{id}", Priority: 20, Group: "generic"})
	require.NoError(t, err)
	_, err = r.Add(Route{Protocol: protocol.ProtocolHTTP, Operation: "GET", Pattern: "/users/admin", Priority: 10, Group: "specific"})
	require.NoError(t, err)

	h, ok := r.Match(httpReq("GET", "/users/admin"))
	require.True(t, ok)
	assert.Equal(t, "specific", h.Route.Group, "lower priority value must win")
}

func TestTieBrokenByInsertionOrder(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add(Route{Protocol: protocol.ProtocolHTTP, Operation: "GET", Pattern: "/a/**", Priority: 10, Group: "first"})
	require.NoError(t, err)
	_, err = r.Add(Route{Protocol: protocol.ProtocolHTTP, Operation: "GET", Pattern: "/a/{x}", Priority: 10, Group: "second"})
	require.NoError(t, err)

	h, ok := r.Match(httpReq("GET", "/a/b"))
	require.True(t, ok)
	assert.Equal(t, "first", h.Route.Group)
}

func TestDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	route := Route{Protocol: protocol.ProtocolHTTP, Operation: "GET", Pattern: "/dup", Priority: 5}
	_, err := r.Add(route)
	require.NoError(t, err)

	_, err = r.Add(route)
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindDuplicateRoute, coreerrors.KindOf(err))

	// Same pattern at a different priority is allowed.
	route.Priority = 6
	_, err = r.Add(route)
	assert.NoError(t, err)
}

func TestUpdateAndRemove(t *testing.T) {
	r := NewRegistry()
	id, err := r.Add(Route{Protocol: protocol.ProtocolHTTP, Operation: "GET", Pattern: "/v", Priority: 10})
	require.NoError(t, err)
	v1 := r.Version()

	require.NoError(t, r.Update(id, Route{Protocol: protocol.ProtocolHTTP, Operation: "GET", Pattern: "/v2", Priority: 10}))
	assert.Greater(t, r.Version(), v1)

	_, ok := r.Match(httpReq("GET", "/v"))
	assert.False(t, ok)
	_, ok = r.Match(httpReq("GET", "/v2"))
	assert.True(t, ok)

	assert.True(t, r.Remove(id))
	assert.False(t, r.Remove(id))
	assert.Equal(t, 0, r.Len())
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add(Route{Protocol: protocol.ProtocolHTTP, Operation: "GET", Pattern: "/stable", Priority: 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, ok := r.Match(httpReq("GET", "/stable")); !ok {
					t.Error("stable route disappeared during writes")
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		id, err := r.Add(Route{Protocol: protocol.ProtocolHTTP, Operation: "GET", Pattern: fmt.Sprintf("/gen/%d", i), Priority: 50})
		require.NoError(t, err)
		if i%2 == 0 {
			r.Remove(id)
		}
	}
	close(stop)
	wg.Wait()
}
