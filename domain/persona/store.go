package persona

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dchest/siphash"
	"github.com/google/uuid"

	coreerrors "github.com/mockforge/mockforge/infrastructure/errors"
	"github.com/mockforge/mockforge/infrastructure/clock"
	"github.com/mockforge/mockforge/domain/spec"
)

const (
	seedLo uint64 = 0x706572736f6e612d // "persona-"
	seedHi uint64 = 0x73746f72652d3031 // "store-01"

	historyLimit = 128
	lockStripes  = 32
)

// Entity is one node of a session's persona graph.
type Entity struct {
	ID         string                 `json:"id"`
	Kind       string                 `json:"kind"`
	Seed       string                 `json:"seed"`
	Attributes map[string]interface{} `json:"attributes"`
	State      State                  `json:"state"`
	EnteredAt  time.Time              `json:"entered_at"`
	Counters   map[string]int         `json:"counters,omitempty"`
}

// session is the arena of one correlated interaction history.
type session struct {
	mu       sync.Mutex
	id       string
	entities map[string]*Entity            // arena: entity id -> entity
	byKey    map[string]string             // kind\x00seed -> entity id
	edges    map[string]map[string][]string // parent id -> relation -> child ids
	history  []string
	lastSeen time.Time
	pinned   bool
}

// Store holds persona graphs for all live sessions.
type Store struct {
	kindsMu sync.RWMutex
	kinds   map[string]*Kind

	stripes [lockStripes]sync.Mutex
	// sessions is guarded per-stripe by session id hash.
	sessions [lockStripes]map[string]*session

	clock   *clock.Clock
	timeout time.Duration
}

// NewStore creates a store. Sessions idle past timeout are dropped unless
// pinned; timeout <= 0 disables expiry.
func NewStore(clk *clock.Clock, timeout time.Duration) *Store {
	if clk == nil {
		clk = clock.Default()
	}
	s := &Store{
		kinds:   make(map[string]*Kind),
		clock:   clk,
		timeout: timeout,
	}
	for i := range s.sessions {
		s.sessions[i] = make(map[string]*session)
	}
	return s
}

// RegisterKind installs an entity kind definition.
func (s *Store) RegisterKind(k *Kind) error {
	if k == nil || k.Name == "" {
		return coreerrors.Internal("persona", "kind requires a name", nil)
	}
	s.kindsMu.Lock()
	defer s.kindsMu.Unlock()
	s.kinds[k.Name] = k
	return nil
}

func (s *Store) kind(name string) (*Kind, bool) {
	s.kindsMu.RLock()
	defer s.kindsMu.RUnlock()
	k, ok := s.kinds[name]
	return k, ok
}

func stripeOf(sessionID string) int {
	return int(siphash.Hash(seedLo, seedHi, []byte(sessionID)) % lockStripes)
}

// getSession returns the live session, creating it if needed. The caller
// must not hold the session mutex.
func (s *Store) getSession(sessionID string) *session {
	i := stripeOf(sessionID)
	s.stripes[i].Lock()
	defer s.stripes[i].Unlock()

	now := s.clock.Now()
	// Opportunistic expiry sweep of this stripe.
	if s.timeout > 0 {
		for id, sess := range s.sessions[i] {
			if !sess.pinned && now.Sub(sess.lastSeen) >= s.timeout {
				delete(s.sessions[i], id)
			}
		}
	}

	sess, ok := s.sessions[i][sessionID]
	if !ok {
		sess = &session{
			id:       sessionID,
			entities: make(map[string]*Entity),
			byKey:    make(map[string]string),
			edges:    make(map[string]map[string][]string),
		}
		s.sessions[i][sessionID] = sess
	}
	sess.lastSeen = now
	return sess
}

// Pin keeps a session alive past its idle timeout.
func (s *Store) Pin(sessionID string) {
	sess := s.getSession(sessionID)
	sess.mu.Lock()
	sess.pinned = true
	sess.mu.Unlock()
}

// GetOrCreate returns the deterministic entity for (session, kind, seed).
// Two calls with the same triple return identical ids and attributes.
func (s *Store) GetOrCreate(sessionID, kindName, seed string) (*Entity, error) {
	k, ok := s.kind(kindName)
	if !ok {
		return nil, coreerrors.Internal("persona", "unknown persona kind", nil).
			WithDetails("kind", kindName)
	}

	sess := s.getSession(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	key := kindName + "\x00" + seed
	if id, exists := sess.byKey[key]; exists {
		return sess.entities[id].clone(), nil
	}

	ent := s.materialize(sessionID, k, seed)
	sess.entities[ent.ID] = ent
	sess.byKey[key] = ent.ID
	return ent.clone(), nil
}

// materialize builds the deterministic entity for (session, kind, seed).
func (s *Store) materialize(sessionID string, k *Kind, seed string) *Entity {
	id := deterministicID(sessionID, k.Name, seed)

	ent := &Entity{
		ID:         id,
		Kind:       k.Name,
		Seed:       seed,
		Attributes: make(map[string]interface{}, len(k.Attributes)),
		EnteredAt:  s.clock.Now(),
		Counters:   make(map[string]int),
	}
	if k.Lifecycle != nil {
		ent.State = k.Lifecycle.Initial
	}

	// Each attribute draws from its own seeded generator so adding an
	// attribute never perturbs its siblings.
	names := make([]string, 0, len(k.Attributes))
	for name := range k.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		attrSeed := siphash.Hash(seedLo, seedHi, []byte(sessionID+"\x00"+id+"\x00"+name))
		gen := spec.NewGenerator(attrSeed, s.clock)
		ent.Attributes[name] = generateAttribute(gen, name, k.Attributes[name])
	}

	s.applyOverrides(k, ent)
	return ent
}

func generateAttribute(gen *spec.Generator, name string, schema *spec.Schema) interface{} {
	if schema == nil {
		schema = &spec.Schema{Type: "string"}
	}
	return gen.FromNamedSchema(name, schema, nil)
}

func (s *Store) applyOverrides(k *Kind, ent *Entity) {
	if k.Overrides == nil {
		return
	}
	if values, ok := k.Overrides[ent.State]; ok {
		for name, v := range values {
			ent.Attributes[name] = v
		}
	}
}

// deterministicID derives a stable UUID-shaped id from the identity triple.
func deterministicID(sessionID, kind, seed string) string {
	input := []byte(sessionID + "\x00" + kind + "\x00" + seed)
	h1 := siphash.Hash(seedLo, seedHi, input)
	h2 := siphash.Hash(seedHi, seedLo, input)

	var b [16]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(h1 >> (8 * i))
		b[8+i] = byte(h2 >> (8 * i))
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	id, err := uuid.FromBytes(b[:])
	if err != nil {
		return uuid.NewSHA1(uuid.NameSpaceOID, input).String()
	}
	return id.String()
}

// Link records parent -[relation]-> child. Idempotent; the relation must be
// declared on the parent kind and point at the child's kind.
func (s *Store) Link(sessionID string, parent, child *Entity, relation string) error {
	pk, ok := s.kind(parent.Kind)
	if !ok {
		return coreerrors.Internal("persona", "unknown parent kind", nil).WithDetails("kind", parent.Kind)
	}
	childKind, declared := pk.Relations[relation]
	if !declared {
		return coreerrors.Internal("persona", "relation not declared on kind", nil).
			WithDetails("kind", parent.Kind).
			WithDetails("relation", relation)
	}
	if childKind != child.Kind {
		return coreerrors.Internal("persona", "relation type mismatch", nil).
			WithDetails("relation", relation).
			WithDetails("expected", childKind).
			WithDetails("actual", child.Kind)
	}

	sess := s.getSession(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, exists := sess.entities[parent.ID]; !exists {
		return coreerrors.Internal("persona", "parent not in session graph", nil).WithDetails("entity", parent.ID)
	}
	if _, exists := sess.entities[child.ID]; !exists {
		return coreerrors.Internal("persona", "child not in session graph", nil).WithDetails("entity", child.ID)
	}

	rels := sess.edges[parent.ID]
	if rels == nil {
		rels = make(map[string][]string)
		sess.edges[parent.ID] = rels
	}
	for _, existing := range rels[relation] {
		if existing == child.ID {
			return nil
		}
	}
	rels[relation] = append(rels[relation], child.ID)
	return nil
}

// Traverse returns the children of entity over relation, in link order.
func (s *Store) Traverse(sessionID string, entity *Entity, relation string) []*Entity {
	sess := s.getSession(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	ids := sess.edges[entity.ID][relation]
	out := make([]*Entity, 0, len(ids))
	for _, id := range ids {
		if child, ok := sess.entities[id]; ok {
			out = append(out, child.clone())
		}
	}
	return out
}

// Bump increments an entity counter used by FSM count guards.
func (s *Store) Bump(sessionID, entityID, counter string) {
	sess := s.getSession(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if ent, ok := sess.entities[entityID]; ok {
		ent.Counters[counter]++
	}
}

// AdvanceLifecycle attempts an FSM transition for the trigger. It returns
// the resulting state and whether a transition fired. Terminal states never
// transition out.
func (s *Store) AdvanceLifecycle(sessionID, entityID, trigger string) (State, bool) {
	sess := s.getSession(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	ent, ok := sess.entities[entityID]
	if !ok {
		return "", false
	}
	k, ok := s.kind(ent.Kind)
	if !ok || k.Lifecycle == nil {
		return ent.State, false
	}
	if k.Lifecycle.isTerminal(ent.State) {
		return ent.State, false
	}

	now := s.clock.Now()
	for _, t := range k.Lifecycle.Transitions {
		if t.From != ent.State || t.Trigger != trigger {
			continue
		}
		if t.MinElapsed > 0 && now.Sub(ent.EnteredAt) < t.MinElapsed {
			continue
		}
		if t.MinCount > 0 && ent.Counters[t.Counter] < t.MinCount {
			continue
		}
		ent.State = t.To
		ent.EnteredAt = now
		s.applyOverrides(k, ent)
		return ent.State, true
	}
	return ent.State, false
}

// RecordInteraction appends to the session's bounded interaction history.
func (s *Store) RecordInteraction(sessionID, summary string) {
	sess := s.getSession(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.history = append(sess.history, summary)
	if len(sess.history) > historyLimit {
		sess.history = sess.history[len(sess.history)-historyLimit:]
	}
}

// snapshotDoc is the stable serialization of one session graph.
type snapshotDoc struct {
	SessionID string                         `json:"session_id"`
	Entities  []*Entity                      `json:"entities"`
	Edges     map[string]map[string][]string `json:"edges,omitempty"`
}

// Snapshot serializes the session graph. Entity order is stable (by id).
func (s *Store) Snapshot(sessionID string) ([]byte, error) {
	sess := s.getSession(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	doc := snapshotDoc{SessionID: sessionID, Edges: sess.edges}
	for _, ent := range sess.entities {
		doc.Entities = append(doc.Entities, ent)
	}
	sort.Slice(doc.Entities, func(i, j int) bool { return doc.Entities[i].ID < doc.Entities[j].ID })
	return json.MarshalIndent(doc, "", "  ")
}

// Restore loads a snapshot previously produced by Snapshot. Existing session
// state for the id is replaced.
func (s *Store) Restore(sessionID string, data []byte) error {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse persona snapshot: %w", err)
	}

	sess := s.getSession(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.entities = make(map[string]*Entity, len(doc.Entities))
	sess.byKey = make(map[string]string, len(doc.Entities))
	sess.edges = doc.Edges
	if sess.edges == nil {
		sess.edges = make(map[string]map[string][]string)
	}
	for _, ent := range doc.Entities {
		if ent.Counters == nil {
			ent.Counters = make(map[string]int)
		}
		sess.entities[ent.ID] = ent
		sess.byKey[ent.Kind+"\x00"+ent.Seed] = ent.ID
	}
	return nil
}

// SessionCount reports live (unexpired) sessions, for diagnostics.
func (s *Store) SessionCount() int {
	total := 0
	for i := range s.stripes {
		s.stripes[i].Lock()
		total += len(s.sessions[i])
		s.stripes[i].Unlock()
	}
	return total
}

func (e *Entity) clone() *Entity {
	out := *e
	out.Attributes = make(map[string]interface{}, len(e.Attributes))
	for k, v := range e.Attributes {
		out.Attributes[k] = v
	}
	out.Counters = make(map[string]int, len(e.Counters))
	for k, v := range e.Counters {
		out.Counters[k] = v
	}
	return &out
}
