package spec

import (
	"math/rand"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/mockforge/mockforge/infrastructure/clock"
)

// refDepthLimit bounds $ref cycle expansion. Past the limit, optional
// fields emit null and required fields a schema-minimal stub.
const refDepthLimit = 5

// Generator synthesizes value trees from schemas. All draws come from the
// seeded faker/rng so identical seeds produce identical bodies.
type Generator struct {
	faker *gofakeit.Faker
	rng   *rand.Rand
	clock *clock.Clock
	// Minimal omits all optional properties.
	Minimal bool
}

// NewGenerator creates a deterministic generator for the given seed.
func NewGenerator(seed uint64, clk *clock.Clock) *Generator {
	if clk == nil {
		clk = clock.Default()
	}
	return &Generator{
		faker: gofakeit.New(seed),
		rng:   rand.New(rand.NewSource(int64(seed))),
		clock: clk,
	}
}

// FromSchema produces a value conforming to s, resolving refs through refs.
func (g *Generator) FromSchema(s *Schema, refs map[string]*Schema) interface{} {
	return g.generate(s, refs, "", make(map[string]int))
}

// FromNamedSchema is FromSchema with a field-name hint, so the field-name
// heuristics apply to the top-level value as well.
func (g *Generator) FromNamedSchema(name string, s *Schema, refs map[string]*Schema) interface{} {
	return g.generate(s, refs, name, make(map[string]int))
}

func (g *Generator) generate(s *Schema, refs map[string]*Schema, fieldName string, depth map[string]int) interface{} {
	if s == nil {
		return nil
	}

	if s.Ref != "" {
		target, ok := refs[s.Ref]
		if !ok {
			return nil
		}
		if depth[s.Ref] >= refDepthLimit {
			return minimalStub(target)
		}
		depth[s.Ref]++
		v := g.generate(target, refs, fieldName, depth)
		depth[s.Ref]--
		return v
	}

	if len(s.Enum) > 0 {
		return s.Enum[g.rng.Intn(len(s.Enum))]
	}

	// Field-name heuristics override type defaults.
	if v, ok := g.heuristic(fieldName, s); ok {
		return v
	}

	switch s.Type {
	case "object":
		out := make(map[string]interface{}, len(s.Properties))
		for name, prop := range s.Properties {
			required := s.isRequired(name)
			if !required {
				if g.Minimal {
					continue
				}
				// Optional properties appear with probability 0.8.
				if g.rng.Float64() >= 0.8 {
					continue
				}
			}
			if prop != nil && prop.Ref != "" && depth[prop.Ref] >= refDepthLimit {
				if required {
					out[name] = minimalStub(refs[prop.Ref])
				} else {
					// Optional field in a cycle: emitted as null.
					out[name] = nil
				}
				continue
			}
			out[name] = g.generate(prop, refs, name, depth)
		}
		return out
	case "array":
		n := 1 + g.rng.Intn(5)
		if s.MinItems > 0 && n < s.MinItems {
			n = s.MinItems
		}
		if s.MaxItems > 0 && n > s.MaxItems {
			n = s.MaxItems
		}
		out := make([]interface{}, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, g.generate(s.Items, refs, fieldName, depth))
		}
		return out
	case "string":
		switch s.Format {
		case "uuid":
			return g.uuidString()
		case "date-time":
			return g.clock.Now().UTC().Format(time.RFC3339)
		case "date":
			return g.clock.Now().UTC().Format("2006-01-02")
		case "email":
			return g.faker.Email()
		default:
			return g.faker.Word()
		}
	case "integer":
		return g.faker.Number(1, 10000)
	case "number":
		return g.faker.Price(1, 1000)
	case "boolean":
		return true
	case "null":
		return nil
	default:
		return nil
	}
}

// heuristic maps well-known field names to richer values than the bare type
// default would give.
func (g *Generator) heuristic(fieldName string, s *Schema) (interface{}, bool) {
	if fieldName == "" || (s.Type != "string" && s.Type != "number" && s.Type != "integer") {
		return nil, false
	}
	lower := strings.ToLower(fieldName)
	switch {
	case s.Type == "string" && lower == "email":
		return g.faker.Email(), true
	case s.Type == "string" && lower == "name":
		return g.faker.Name(), true
	case s.Type == "string" && (lower == "id" || lower == "uuid"):
		return g.uuidString(), true
	case s.Type == "string" && (strings.HasSuffix(lower, "_at") || strings.HasSuffix(lower, "_time")):
		return g.clock.Now().UTC().Format(time.RFC3339), true
	case (s.Type == "number" || s.Type == "integer") && (lower == "price" || lower == "amount"):
		return g.faker.Price(1, 1000), true
	}
	return nil, false
}

// uuidString draws a v4 UUID from the generator's rng so output stays
// reproducible for a fixed seed.
func (g *Generator) uuidString() string {
	var b [16]byte
	g.rng.Read(b[:])
	id, err := uuid.FromBytes(b[:])
	if err != nil {
		return uuid.New().String()
	}
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return id.String()
}

// minimalStub emits the smallest value satisfying a schema, used where a
// $ref cycle is cut.
func minimalStub(s *Schema) interface{} {
	if s == nil {
		return nil
	}
	switch s.Type {
	case "object":
		out := make(map[string]interface{})
		for _, name := range s.Required {
			if prop, ok := s.Properties[name]; ok && prop.Ref == "" {
				out[name] = zeroValue(prop)
			}
		}
		return out
	case "array":
		return []interface{}{}
	default:
		return zeroValue(s)
	}
}

func zeroValue(s *Schema) interface{} {
	if s == nil {
		return nil
	}
	switch s.Type {
	case "string":
		return ""
	case "integer":
		return 0
	case "number":
		return 0.0
	case "boolean":
		return false
	case "array":
		return []interface{}{}
	case "object":
		return map[string]interface{}{}
	default:
		return nil
	}
}
