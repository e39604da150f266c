package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/mockforge/mockforge/infrastructure/errors"
	"github.com/mockforge/mockforge/infrastructure/clock"
	"github.com/mockforge/mockforge/domain/protocol"
	"github.com/mockforge/mockforge/domain/recorder"
	"github.com/mockforge/mockforge/domain/route"
	"github.com/mockforge/mockforge/domain/spec"
)

const chainAPI = `
openapi: "3.0.3"
info:
  title: T
  version: "1.0"
paths:
  /users/{id}:
    get:
      operationId: getUser
      responses:
        "200":
          description: ok
          content:
            application/json:
              schema:
                type: object
                required: [id, name]
                properties:
                  id: {type: string, format: uuid}
                  name: {type: string}
  /orders:
    post:
      operationId: createOrder
      requestBody:
        content:
          application/json:
            schema:
              type: object
              required: [total]
              properties:
                total: {type: number}
      responses:
        "201":
          description: created
          content:
            application/json:
              schema:
                type: object
                properties:
                  id: {type: string, format: uuid}
`

func testInput(resolvers route.ResolverConfig, behavior route.Behavior) Input {
	r := &route.Route{
		Protocol:  protocol.ProtocolHTTP,
		Operation: "GET",
		Pattern:   "/users/{id}",
		Behavior:  behavior,
		Resolvers: resolvers,
	}
	return Input{
		Req: &protocol.Request{
			Protocol:  protocol.ProtocolHTTP,
			Operation: "GET",
			Path:      "/users/abc",
		},
		Handle:      route.Handle{Route: r},
		Fingerprint: 1234,
		SessionID:   "sess",
	}
}

func specRegistry(t *testing.T) *spec.Registry {
	t.Helper()
	r := spec.NewRegistry()
	require.NoError(t, r.LoadOpenAPI([]byte(chainAPI)))
	return r
}

func newJournal(t *testing.T) *recorder.Journal {
	t.Helper()
	j := recorder.NewJournal(recorder.DefaultOptions(), clock.New(), nil, nil)
	t.Cleanup(j.Close)
	return j
}

func TestReplayPreemptsFail(t *testing.T) {
	j := newJournal(t)
	in := testInput(route.ResolverConfig{Replay: true, Fail: true, FailStatus: 500}, route.Behavior{})

	j.Append(in.Req, in.Fingerprint, &protocol.Response{Status: 200, Body: []byte(`{"x":1}`)}, 0)
	require.Eventually(t, func() bool { return j.Len() == 1 }, time.Second, time.Millisecond)

	c := NewChain(j, nil, nil, nil, clock.New(), nil, nil)
	resp, err := c.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, protocol.SourceReplay, resp.Source)
	assert.JSONEq(t, `{"x":1}`, string(resp.Body))
}

func TestReplayStrictMissFailsChain(t *testing.T) {
	j := newJournal(t)
	in := testInput(route.ResolverConfig{
		Replay:       true,
		ReplayStrict: true,
		Mock:         true,
	}, route.Behavior{Kind: route.BehaviorStatic, Body: []byte(`{}`)})

	c := NewChain(j, nil, nil, nil, clock.New(), nil, nil)
	_, err := c.Execute(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindRouteNotFound, coreerrors.KindOf(err),
		"strict replay miss must not fall through to Mock")
}

func TestReplayFlexMissFallsThrough(t *testing.T) {
	j := newJournal(t)
	in := testInput(route.ResolverConfig{Replay: true, Mock: true},
		route.Behavior{Kind: route.BehaviorStatic, Body: []byte(`{"mock":true}`)})
	in.FlexReplay = true

	c := NewChain(j, nil, nil, nil, clock.New(), nil, nil)
	resp, err := c.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, protocol.SourceMock, resp.Source)
}

func TestReplayFlexMatchesDifferentID(t *testing.T) {
	j := newJournal(t)
	recorded := &protocol.Request{Protocol: protocol.ProtocolHTTP, Operation: "GET", Path: "/users/42"}
	j.Append(recorded, 777, &protocol.Response{Status: 200, Body: []byte(`{"hit":true}`)}, 0)
	require.Eventually(t, func() bool { return j.Len() == 1 }, time.Second, time.Millisecond)

	in := testInput(route.ResolverConfig{Replay: true}, route.Behavior{})
	in.Req.Path = "/users/97"
	in.Fingerprint = 888 // different id => different fingerprint
	in.FlexReplay = true

	c := NewChain(j, nil, nil, nil, clock.New(), nil, nil)
	resp, err := c.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hit":true}`, string(resp.Body))
}

func TestFailEmitsConfiguredError(t *testing.T) {
	in := testInput(route.ResolverConfig{Fail: true, FailStatus: 418, FailBody: []byte(`{"teapot":true}`), Mock: true},
		route.Behavior{Kind: route.BehaviorStatic, Body: []byte(`{}`)})

	c := NewChain(nil, nil, nil, nil, clock.New(), nil, nil)
	resp, err := c.Execute(context.Background(), in)
	require.NoError(t, err, "the configured error response IS the result")
	assert.Equal(t, 418, resp.Status)
	assert.Equal(t, protocol.SourceFail, resp.Source)
	assert.JSONEq(t, `{"teapot":true}`, string(resp.Body))
}

func TestProxyPreemptsMock(t *testing.T) {
	proxy := func(_ context.Context, url string, _ *protocol.Request) (*protocol.Response, error) {
		return &protocol.Response{Status: 200, Body: []byte(`{"live":true}`)}, nil
	}
	in := testInput(route.ResolverConfig{Proxy: true, ProxyURL: "http://upstream", Mock: true},
		route.Behavior{Kind: route.BehaviorStatic, Body: []byte(`{"mock":true}`)})

	c := NewChain(nil, nil, proxy, nil, clock.New(), nil, nil)
	resp, err := c.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, protocol.SourceProxy, resp.Source)
	assert.JSONEq(t, `{"live":true}`, string(resp.Body))
}

func TestProxyErrorFallsThroughToMock(t *testing.T) {
	proxy := func(_ context.Context, _ string, _ *protocol.Request) (*protocol.Response, error) {
		return nil, errors.New("connection refused")
	}
	in := testInput(route.ResolverConfig{Proxy: true, ProxyURL: "http://down", Mock: true},
		route.Behavior{Kind: route.BehaviorStatic, Body: []byte(`{"mock":true}`)})

	c := NewChain(nil, nil, proxy, nil, clock.New(), nil, nil)
	resp, err := c.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, protocol.SourceMock, resp.Source)
}

func TestProxyStrictOnErrorPropagates(t *testing.T) {
	proxy := func(_ context.Context, _ string, _ *protocol.Request) (*protocol.Response, error) {
		return nil, errors.New("connection refused")
	}
	in := testInput(route.ResolverConfig{
		Proxy:         true,
		ProxyURL:      "http://down",
		Mock:          true,
		StrictOnError: map[string]bool{NameProxy: true},
	}, route.Behavior{Kind: route.BehaviorStatic, Body: []byte(`{}`)})

	c := NewChain(nil, nil, proxy, nil, clock.New(), nil, nil)
	_, err := c.Execute(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindUpstream, coreerrors.KindOf(err))
}

func TestSingleFlightCoalescesConcurrentProxyCalls(t *testing.T) {
	var calls atomic.Int64
	gate := make(chan struct{})
	proxy := func(_ context.Context, _ string, _ *protocol.Request) (*protocol.Response, error) {
		calls.Add(1)
		<-gate
		return &protocol.Response{Status: 200, Body: []byte(`{"n":1}`)}, nil
	}
	in := testInput(route.ResolverConfig{Proxy: true, ProxyURL: "http://up", SingleFlight: true}, route.Behavior{})

	c := NewChain(nil, nil, proxy, nil, clock.New(), nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Execute(context.Background(), in)
			assert.NoError(t, err)
			assert.Equal(t, 200, resp.Status)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "identical concurrent requests must share one upstream call")
}

func TestMockSpecBacked(t *testing.T) {
	in := testInput(route.ResolverConfig{Mock: true},
		route.Behavior{Kind: route.BehaviorSpecBacked, SpecOperation: "getUser"})

	c := NewChain(nil, specRegistry(t), nil, nil, clock.New(), nil, nil)
	resp, err := c.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, protocol.SourceMock, resp.Source)
	assert.Regexp(t, `"id":"[0-9a-f-]{36}"`, string(resp.Body))
	assert.Contains(t, string(resp.Body), `"name"`)
}

func TestMockIdempotentPerSessionAndRequest(t *testing.T) {
	in := testInput(route.ResolverConfig{Mock: true},
		route.Behavior{Kind: route.BehaviorSpecBacked, SpecOperation: "getUser"})

	clk := clock.New()
	clk.Freeze(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewChain(nil, specRegistry(t), nil, nil, clk, nil, nil)

	a, err := c.Execute(context.Background(), in)
	require.NoError(t, err)
	b, err := c.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, string(a.Body), string(b.Body), "same request + session => byte-equal bodies")

	other := in
	other.SessionID = "different"
	d, err := c.Execute(context.Background(), other)
	require.NoError(t, err)
	assert.NotEqual(t, string(a.Body), string(d.Body), "different session => different draw")
}

func TestMockValidationFailureReturns400(t *testing.T) {
	in := testInput(route.ResolverConfig{Mock: true},
		route.Behavior{Kind: route.BehaviorSpecBacked, SpecOperation: "createOrder"})
	in.Req.Operation = "POST"
	in.Req.Body = []byte(`{"total":"not-a-number"}`)

	c := NewChain(nil, specRegistry(t), nil, nil, clock.New(), nil, nil)
	resp, err := c.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.Status)
	assert.Equal(t, protocol.SourceFail, resp.Source)
}

func TestMockTemplateExpansion(t *testing.T) {
	in := testInput(route.ResolverConfig{Mock: true}, route.Behavior{
		Kind: route.BehaviorTemplate,
		Body: []byte(`{"id":"{{uuid}}","ts":"{{timestamp}}","count":{{random.int.small}}}`),
	})

	clk := clock.New()
	clk.Freeze(time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC))
	c := NewChain(nil, nil, nil, NewTemplateEngine(clk, nil), clk, nil, nil)

	resp, err := c.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Regexp(t, `"id":"[0-9a-f-]{36}"`, string(resp.Body))
	assert.Contains(t, string(resp.Body), `"ts":"1706832000"`)

	// Idempotent against the frozen clock and fixed seed.
	again, err := c.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, string(resp.Body), string(again.Body))
}

func TestRecordJournalsLiveResponse(t *testing.T) {
	j := newJournal(t)
	proxy := func(_ context.Context, _ string, _ *protocol.Request) (*protocol.Response, error) {
		return &protocol.Response{Status: 200, Body: []byte(`{"live":1}`)}, nil
	}
	in := testInput(route.ResolverConfig{Record: true, ProxyURL: "http://up"}, route.Behavior{})

	c := NewChain(j, nil, proxy, nil, clock.New(), nil, nil)
	resp, err := c.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, protocol.SourceProxy, resp.Source)

	require.Eventually(t, func() bool { return j.Len() == 1 }, time.Second, time.Millisecond)
	entry, ok := j.Lookup(in.Fingerprint)
	require.True(t, ok)
	assert.JSONEq(t, `{"live":1}`, string(entry.Response.Body))
}

func TestAllSkippedIsRouteNotFound(t *testing.T) {
	in := testInput(route.ResolverConfig{Replay: true}, route.Behavior{})

	c := NewChain(newJournal(t), nil, nil, nil, clock.New(), nil, nil)
	_, err := c.Execute(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindRouteNotFound, coreerrors.KindOf(err))
}

func TestResolverPathAnnotated(t *testing.T) {
	in := testInput(route.ResolverConfig{Replay: true, Mock: true},
		route.Behavior{Kind: route.BehaviorStatic, Body: []byte(`{}`)})

	c := NewChain(newJournal(t), nil, nil, nil, clock.New(), nil, nil)
	resp, err := c.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{NameReplay, NameMock}, resp.Trace.ResolverPath)
}
