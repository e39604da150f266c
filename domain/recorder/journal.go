// Package recorder keeps the append-only journal of (fingerprint ->
// response) pairs with flow grouping, and compiles recorded flows into
// replayable scenarios.
package recorder

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mockforge/mockforge/infrastructure/clock"
	"github.com/mockforge/mockforge/infrastructure/logging"
	"github.com/mockforge/mockforge/infrastructure/metrics"
	"github.com/mockforge/mockforge/domain/protocol"
)

// FingerprintInputs preserves the request parts a fingerprint was computed
// from, for flex-mode comparison and scenario interchange.
type FingerprintInputs struct {
	Protocol  string `json:"protocol"`
	Operation string `json:"operation"`
	Path      string `json:"path"`
	Body      []byte `json:"body,omitempty"`
}

// Entry is one journal record.
type Entry struct {
	Timestamp   time.Time          `json:"timestamp"`
	Fingerprint uint64             `json:"fingerprint"`
	Inputs      FingerprintInputs  `json:"request_fingerprint_inputs"`
	Response    *protocol.Response `json:"response"`
	Latency     time.Duration      `json:"latency"`
	FlowID      string             `json:"flow_id"`
}

// PersistFunc is the storage collaborator contract: it receives batches of
// entries for durable storage. The journal itself stays in memory.
type PersistFunc func([]Entry) error

// Options configures the journal.
type Options struct {
	// RetentionEntries bounds the in-memory ring.
	RetentionEntries int
	// QueueSize bounds the append channel; overflow drops with a metric.
	QueueSize int
	// BatchSize and FlushInterval control persistence batching.
	BatchSize     int
	FlushInterval time.Duration
	// FlowGrouping assigns flow ids at write time; off, every entry lands
	// in the empty flow.
	FlowGrouping bool
	// WindowSeconds sizes the client-ip flow grouping window.
	WindowSeconds int
	// Persist is optional; nil keeps the journal memory-only.
	Persist PersistFunc
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		RetentionEntries: 10000,
		QueueSize:        1024,
		BatchSize:        64,
		FlushInterval:    time.Second,
		FlowGrouping:     true,
		WindowSeconds:    300,
	}
}

// journalState is the immutable snapshot readers load atomically.
type journalState struct {
	entries []Entry
	// byFingerprint points at the latest entry offset per fingerprint.
	byFingerprint map[uint64]int
	byFlow        map[string][]int
}

// Journal is the append-only record store. Appends funnel through a bounded
// channel into a single writer; reads load an atomically refreshed index.
type Journal struct {
	opts    Options
	appends chan Entry
	state   atomic.Pointer[journalState]

	clock   *clock.Clock
	logger  *logging.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewJournal starts the journal writer.
func NewJournal(opts Options, clk *clock.Clock, logger *logging.Logger, m *metrics.Metrics) *Journal {
	if opts.RetentionEntries <= 0 {
		opts.RetentionEntries = 10000
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.WindowSeconds <= 0 {
		opts.WindowSeconds = 300
	}
	if clk == nil {
		clk = clock.Default()
	}
	if logger == nil {
		logger = logging.Default()
	}

	j := &Journal{
		opts:    opts,
		appends: make(chan Entry, opts.QueueSize),
		clock:   clk,
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	j.state.Store(&journalState{
		byFingerprint: make(map[uint64]int),
		byFlow:        make(map[string][]int),
	})
	go j.run()
	return j
}

// Append records one request/response pair. Fire-and-forget: a full queue
// drops the entry with a logged metric rather than blocking the request.
func (j *Journal) Append(req *protocol.Request, fp uint64, resp *protocol.Response, latency time.Duration) {
	entry := Entry{
		Timestamp:   j.clock.Now(),
		Fingerprint: fp,
		Inputs: FingerprintInputs{
			Protocol:  string(req.Protocol),
			Operation: req.Operation,
			Path:      req.Path,
			Body:      req.Body,
		},
		Response: resp.Clone(),
		Latency:  latency,
		FlowID:   j.flowID(req),
	}

	select {
	case j.appends <- entry:
	default:
		if j.metrics != nil {
			j.metrics.RecorderDrops.Inc()
		}
		j.logger.WithFields(map[string]interface{}{
			"fingerprint": fp,
		}).Warn("recorder queue full, entry dropped")
	}
}

// Lookup returns the most recent entry for a fingerprint.
func (j *Journal) Lookup(fp uint64) (Entry, bool) {
	state := j.state.Load()
	idx, ok := state.byFingerprint[fp]
	if !ok {
		return Entry{}, false
	}
	return state.entries[idx], true
}

// FlowEntries returns the entries of a flow in record order.
func (j *Journal) FlowEntries(flowID string) []Entry {
	state := j.state.Load()
	idxs := state.byFlow[flowID]
	out := make([]Entry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, state.entries[i])
	}
	return out
}

// Entries returns all live entries in record order.
func (j *Journal) Entries() []Entry {
	state := j.state.Load()
	out := make([]Entry, len(state.entries))
	copy(out, state.entries)
	return out
}

// Len returns the number of retained entries.
func (j *Journal) Len() int {
	return len(j.state.Load().entries)
}

// Close flushes pending writes and stops the writer.
func (j *Journal) Close() {
	j.closeOnce.Do(func() {
		close(j.done)
		<-j.stopped
	})
}

// run is the single writer: it owns the entry ring, publishes fresh
// snapshots, and flushes persistence batches.
func (j *Journal) run() {
	defer close(j.stopped)

	var entries []Entry
	var batch []Entry
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if j.opts.Persist == nil || len(batch) == 0 {
			batch = batch[:0]
			return
		}
		if err := j.opts.Persist(batch); err != nil {
			j.logger.WithError(err).Warn("journal batch persist failed")
		}
		batch = batch[:0]
	}

	publish := func() {
		state := &journalState{
			entries:       entries,
			byFingerprint: make(map[uint64]int, len(entries)),
			byFlow:        make(map[string][]int, 16),
		}
		for i, e := range entries {
			state.byFingerprint[e.Fingerprint] = i
			state.byFlow[e.FlowID] = append(state.byFlow[e.FlowID], i)
		}
		j.state.Store(state)
	}

	for {
		select {
		case e := <-j.appends:
			entries = append(entries, e)
			if len(entries) > j.opts.RetentionEntries {
				// Retention policy: drop the oldest.
				entries = append([]Entry(nil), entries[len(entries)-j.opts.RetentionEntries:]...)
			}
			if j.metrics != nil {
				j.metrics.RecorderAppends.Inc()
			}
			batch = append(batch, e)
			if len(batch) >= j.opts.BatchSize {
				flush()
			}
			publish()
		case <-ticker.C:
			flush()
		case <-j.done:
			// Drain whatever is already queued, then flush.
			for {
				select {
				case e := <-j.appends:
					entries = append(entries, e)
					batch = append(batch, e)
				default:
					flush()
					publish()
					return
				}
			}
		}
	}
}
