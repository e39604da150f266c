package recorder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mockforge/mockforge/infrastructure/clock"
	"github.com/mockforge/mockforge/domain/protocol"
)

func flowRequest(path, body, flow string) *protocol.Request {
	return &protocol.Request{
		Protocol:  protocol.ProtocolHTTP,
		Operation: "POST",
		Path:      path,
		Body:      []byte(body),
		Metadata:  map[string]string{"trace_id": flow},
	}
}

func TestCompileScenario(t *testing.T) {
	clk := clock.New()
	clk.Freeze(time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC))
	j := NewJournal(DefaultOptions(), clk, nil, nil)
	defer j.Close()

	// Step 1 creates a user; step 2 references the created user id.
	j.Append(flowRequest("/users", `{"name":"a"}`, "flow-A"), 1,
		&protocol.Response{Status: 201, Body: []byte(`{"id":"user-123","name":"a"}`), ContentType: "application/json"}, 0)
	clk.Advance(250 * time.Millisecond)
	j.Append(flowRequest("/users/user-123/orders", `{"total":5}`, "flow-A"), 2,
		&protocol.Response{Status: 201, Body: []byte(`{"order_id":"ord-9"}`), ContentType: "application/json"}, 0)

	waitForLen(t, j, 2)

	scenario, err := j.CompileScenario("flow-A")
	require.NoError(t, err)
	require.Len(t, scenario.Steps, 2)

	s1, s2 := scenario.Steps[0], scenario.Steps[1]
	assert.Equal(t, "step-1", s1.StepID)
	assert.Equal(t, int64(0), s1.TimingMs)
	assert.Equal(t, int64(250), s2.TimingMs)

	// Extracts: id-shaped fields.
	assert.Equal(t, "$.id", s1.Extracts["id"])
	assert.Equal(t, "$.order_id", s2.Extracts["order_id"])

	// Step 2's path references step 1's extracted id.
	assert.Equal(t, []string{"step-1"}, s2.Dependencies)
}

func TestCompileScenarioUnknownFlow(t *testing.T) {
	j := NewJournal(DefaultOptions(), clock.New(), nil, nil)
	defer j.Close()
	_, err := j.CompileScenario("nope")
	assert.Error(t, err)
}

func TestExtractState(t *testing.T) {
	s := &Scenario{Steps: []Step{{
		StepID:   "step-1",
		Extracts: map[string]string{"id": "$.id", "owner_id": "$.owner.owner_id"},
	}}}

	state, err := s.ExtractState(0, []byte(`{"id":"abc","owner":{"owner_id":"o-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", state["id"])
	assert.Equal(t, "o-1", state["owner_id"])
}

func TestScenarioExportRoundTrip(t *testing.T) {
	s := &Scenario{
		FlowID: "f",
		Steps: []Step{{
			StepID:   "step-1",
			Inputs:   FingerprintInputs{Protocol: "http", Operation: "GET", Path: "/users/1"},
			Extracts: map[string]string{"id": "$.id"},
			TimingMs: 10,
		}},
	}
	data, err := s.Export()
	require.NoError(t, err)

	loaded, err := LoadScenario(data)
	require.NoError(t, err)
	assert.Equal(t, s.FlowID, loaded.FlowID)
	require.Len(t, loaded.Steps, 1)
	assert.Equal(t, s.Steps[0].Inputs.Path, loaded.Steps[0].Inputs.Path)
	assert.Equal(t, s.Steps[0].Extracts, loaded.Steps[0].Extracts)
}

func TestStrictMatching(t *testing.T) {
	s := &Scenario{Steps: []Step{
		{Inputs: FingerprintInputs{Protocol: "http", Operation: "GET", Path: "/users/42"}},
		{Inputs: FingerprintInputs{Protocol: "http", Operation: "POST", Path: "/orders", Body: []byte(`{"a":1,"b":2}`)}},
	}}

	observed := []FingerprintInputs{
		{Protocol: "http", Operation: "GET", Path: "/users/42"},
		{Protocol: "http", Operation: "POST", Path: "/orders", Body: []byte(`{"b":2,"a":1}`)},
	}
	assert.True(t, s.Matches(observed, nil), "JSON key order must not break strict matching")

	// Different path fails strict mode.
	observed[0].Path = "/users/43"
	assert.False(t, s.Matches(observed, nil))

	// Different length fails.
	assert.False(t, s.Matches(observed[:1], nil))
}

func TestFlexMatchingNormalizesIDs(t *testing.T) {
	s := &Scenario{Steps: []Step{
		{Inputs: FingerprintInputs{Protocol: "http", Operation: "GET", Path: "/users/42"}},
	}}
	observed := []FingerprintInputs{
		{Protocol: "http", Operation: "GET", Path: "/users/97"},
	}

	assert.False(t, s.Matches(observed, nil))
	assert.True(t, s.Matches(observed, &FlexOptions{NormalizeIDSegments: true}))
}

func TestFlexMatchingReorderWindow(t *testing.T) {
	s := &Scenario{Steps: []Step{
		{Inputs: FingerprintInputs{Protocol: "http", Operation: "GET", Path: "/a"}},
		{Inputs: FingerprintInputs{Protocol: "http", Operation: "GET", Path: "/b"}},
	}}
	swapped := []FingerprintInputs{
		{Protocol: "http", Operation: "GET", Path: "/b"},
		{Protocol: "http", Operation: "GET", Path: "/a"},
	}

	assert.False(t, s.Matches(swapped, &FlexOptions{}), "window 0 keeps strict ordering")
	assert.True(t, s.Matches(swapped, &FlexOptions{MaxReorderWindow: 1}))
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/users/42":             "/users/{id}",
		"/users/42/orders/7":    "/users/{id}/orders/{id}",
		"/users/abc":            "/users/abc",
		"/u/550e8400-e29b-41d4-a716-446655440000": "/u/{id}",
		"/hex/deadbeefdeadbeef": "/hex/{id}",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePath(in), "input %s", in)
	}
}
