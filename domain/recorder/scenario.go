package recorder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/nsf/jsondiff"
	"github.com/tidwall/gjson"

	coreerrors "github.com/mockforge/mockforge/infrastructure/errors"
)

// Step is one compiled scenario step.
type Step struct {
	StepID       string             `json:"step_id"`
	Inputs       FingerprintInputs  `json:"request_fingerprint_inputs"`
	Response     *stepResponse      `json:"response"`
	Extracts     map[string]string  `json:"extracts,omitempty"` // name -> json path
	Dependencies []string           `json:"dependencies,omitempty"`
	TimingMs     int64              `json:"timing_ms"`
}

type stepResponse struct {
	Status      int               `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
}

// Scenario is an exportable ordered step list compiled from a recorded flow.
type Scenario struct {
	FlowID string `json:"flow_id"`
	Steps  []Step `json:"steps"`
}

// idShapedKey matches response fields that carry state identity.
var idShapedKey = regexp.MustCompile(`^(id|uuid|.*_id)$`)

// CompileScenario turns a recorded flow into an ordered scenario: relative
// timings, id-shaped extracts, and step dependencies where later requests
// reference earlier extracted values.
func (j *Journal) CompileScenario(flowID string) (*Scenario, error) {
	entries := j.FlowEntries(flowID)
	if len(entries) == 0 {
		return nil, coreerrors.RouteNotFound("recorder", "", "", flowID).
			WithDetails("flow_id", flowID)
	}

	scenario := &Scenario{FlowID: flowID}
	start := entries[0].Timestamp

	// extractedBy maps an extracted value to the step that produced it.
	extractedBy := make(map[string]string)

	for i, e := range entries {
		step := Step{
			StepID:   fmt.Sprintf("step-%d", i+1),
			Inputs:   e.Inputs,
			TimingMs: e.Timestamp.Sub(start).Milliseconds(),
		}
		if e.Response != nil {
			step.Response = &stepResponse{
				Status:      e.Response.Status,
				Metadata:    e.Response.Metadata,
				Body:        json.RawMessage(e.Response.Body),
				ContentType: e.Response.ContentType,
			}
		}

		// Dependencies: this step's request references a value an earlier
		// step extracted.
		deps := make(map[string]bool)
		reqText := e.Inputs.Path + "\x00" + string(e.Inputs.Body)
		for value, producer := range extractedBy {
			if value != "" && strings.Contains(reqText, value) {
				deps[producer] = true
			}
		}
		for d := range deps {
			step.Dependencies = append(step.Dependencies, d)
		}
		sortStrings(step.Dependencies)

		// Extracts: id-shaped fields in the response body become state
		// variables addressed by json path.
		if e.Response != nil && gjson.ValidBytes(e.Response.Body) {
			step.Extracts = make(map[string]string)
			collectExtracts(gjson.ParseBytes(e.Response.Body), "$", step.Extracts)
			if len(step.Extracts) == 0 {
				step.Extracts = nil
			}
			for _, path := range step.Extracts {
				if v, err := evalPath(path, e.Response.Body); err == nil {
					extractedBy[fmt.Sprintf("%v", v)] = step.StepID
				}
			}
		}

		scenario.Steps = append(scenario.Steps, step)
	}
	return scenario, nil
}

// collectExtracts walks a response body recording json paths of id-shaped
// keys. The extractor rule is declarative: keys matching id|.*_id|uuid.
func collectExtracts(v gjson.Result, path string, out map[string]string) {
	if !v.IsObject() && !v.IsArray() {
		return
	}
	v.ForEach(func(key, val gjson.Result) bool {
		var childPath string
		if v.IsArray() {
			childPath = fmt.Sprintf("%s[%s]", path, key.String())
		} else {
			childPath = path + "." + key.String()
		}
		if !v.IsArray() && idShapedKey.MatchString(key.String()) && !val.IsObject() && !val.IsArray() {
			name := strings.TrimPrefix(childPath, "$.")
			out[name] = childPath
		}
		collectExtracts(val, childPath, out)
		return true
	})
}

// evalPath evaluates a json path expression against a JSON body.
func evalPath(path string, body []byte) (interface{}, error) {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return jsonpath.Get(path, doc)
}

// ExtractState evaluates a step's extract table against an observed body.
func (s *Scenario) ExtractState(stepIndex int, body []byte) (map[string]interface{}, error) {
	if stepIndex < 0 || stepIndex >= len(s.Steps) {
		return nil, fmt.Errorf("step index %d out of range", stepIndex)
	}
	step := s.Steps[stepIndex]
	out := make(map[string]interface{}, len(step.Extracts))
	for name, path := range step.Extracts {
		v, err := evalPath(path, body)
		if err != nil {
			continue
		}
		out[name] = v
	}
	return out, nil
}

// FlexOptions tune scenario equivalence. The similarity threshold is
// configurable rather than fixed.
type FlexOptions struct {
	// NormalizeIDSegments replaces id-shaped path segments with {id}
	// before comparison.
	NormalizeIDSegments bool
	// MaxReorderWindow allows a step to match up to N positions away from
	// its recorded order. 0 means strict ordering.
	MaxReorderWindow int
}

var idSegment = regexp.MustCompile(`^([0-9]+|[0-9a-fA-F-]{32,36}|[0-9a-fA-F]{12,})$`)

// NormalizePath rewrites id-shaped path segments to {id}.
func NormalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg != "" && idSegment.MatchString(seg) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

// Matches reports whether observed steps replay this scenario. Strict mode
// (flex nil) requires identical ordering and fingerprint inputs; flex mode
// normalizes id segments and tolerates bounded reordering.
func (s *Scenario) Matches(observed []FingerprintInputs, flex *FlexOptions) bool {
	if len(observed) != len(s.Steps) {
		return false
	}
	if flex == nil {
		for i, step := range s.Steps {
			if !inputsEqual(step.Inputs, observed[i], false) {
				return false
			}
		}
		return true
	}

	window := flex.MaxReorderWindow
	used := make([]bool, len(observed))
	for i, step := range s.Steps {
		found := false
		lo, hi := i-window, i+window
		if lo < 0 {
			lo = 0
		}
		if hi >= len(observed) {
			hi = len(observed) - 1
		}
		for k := lo; k <= hi; k++ {
			if used[k] {
				continue
			}
			if inputsEqual(step.Inputs, observed[k], flex.NormalizeIDSegments) {
				used[k] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func inputsEqual(a, b FingerprintInputs, normalizeIDs bool) bool {
	if a.Protocol != b.Protocol || a.Operation != b.Operation {
		return false
	}
	pa, pb := a.Path, b.Path
	if normalizeIDs {
		pa, pb = NormalizePath(pa), NormalizePath(pb)
	}
	if pa != pb {
		return false
	}
	return bodiesEquivalent(a.Body, b.Body)
}

// bodiesEquivalent compares JSON bodies semantically (key order and number
// formatting do not matter) and other bodies byte-wise.
func bodiesEquivalent(a, b []byte) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if gjson.ValidBytes(a) && gjson.ValidBytes(b) {
		opts := jsondiff.DefaultConsoleOptions()
		mode, _ := jsondiff.Compare(a, b, &opts)
		return mode == jsondiff.FullMatch
	}
	return string(a) == string(b)
}

// LookupFlex finds an entry whose fingerprint inputs match after id-segment
// normalization, for flex-mode replay when the exact fingerprint missed.
func (j *Journal) LookupFlex(inputs FingerprintInputs) (Entry, bool) {
	want := inputs
	want.Path = NormalizePath(want.Path)
	for _, e := range j.Entries() {
		if e.Inputs.Protocol != want.Protocol || e.Inputs.Operation != want.Operation {
			continue
		}
		if NormalizePath(e.Inputs.Path) != want.Path {
			continue
		}
		if bodiesEquivalent(e.Inputs.Body, want.Body) {
			return e, true
		}
	}
	return Entry{}, false
}

// Export serializes the scenario in the interchange format.
func (s *Scenario) Export() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// LoadScenario parses an exported scenario.
func LoadScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	return &s, nil
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j] < ss[j-1]; j-- {
			ss[j], ss[j-1] = ss[j-1], ss[j]
		}
	}
}
