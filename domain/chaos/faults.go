package chaos

import (
	"math/rand"
	"time"

	"github.com/mockforge/mockforge/domain/route"
)

// FaultKind selects the effect of an injected fault.
type FaultKind string

const (
	// FaultError returns a synthetic error response, skipping the chain.
	FaultError FaultKind = "error"
	// FaultDrop signals the transport to drop/reset the connection.
	FaultDrop FaultKind = "drop"
	// FaultLatencyTail tags the request for an extra post-phase sleep.
	FaultLatencyTail FaultKind = "latency_tail"
)

// Fault is one entry of the fault table.
type Fault struct {
	// RoutePattern limits the fault to matching paths; empty means global.
	RoutePattern string
	Probability  float64
	Kind         FaultKind
	ErrorStatus  int
	ErrorBody    []byte
	Tail         time.Duration
}

type compiledFault struct {
	fault   Fault
	matches func(path string) bool // nil for global faults
}

func compileFaults(faults []Fault) []compiledFault {
	out := make([]compiledFault, 0, len(faults))
	for _, f := range faults {
		cf := compiledFault{fault: f}
		if f.RoutePattern != "" {
			m, err := route.Compile(f.RoutePattern)
			if err != nil {
				// An uncompilable pattern can never match; drop the entry
				// rather than faulting every request.
				continue
			}
			cf.matches = m
		}
		out = append(out, cf)
	}
	return out
}

// pick rolls the fault table for a path. The first applicable entry whose
// probability fires wins.
func pick(faults []compiledFault, path string, rng *rand.Rand) (Fault, bool) {
	for _, cf := range faults {
		if cf.matches != nil && !cf.matches(path) {
			continue
		}
		if cf.fault.Probability <= 0 {
			continue
		}
		if rng.Float64() < cf.fault.Probability {
			return cf.fault, true
		}
	}
	return Fault{}, false
}
