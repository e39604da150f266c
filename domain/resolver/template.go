package resolver

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/mockforge/mockforge/infrastructure/clock"
)

// AIGenerator is the optional external generator behind {{ai(...)}}
// templates. The core works without one: absent a generator the token
// expands to an empty string.
type AIGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// TemplateEngine expands the mock template vocabulary. Persona references
// ({{persona.*}}) are left intact here; the persona store coerces them
// later in the lifecycle.
type TemplateEngine struct {
	clock *clock.Clock
	ai    AIGenerator
}

// NewTemplateEngine creates a template engine.
func NewTemplateEngine(clk *clock.Clock, ai AIGenerator) *TemplateEngine {
	if clk == nil {
		clk = clock.Default()
	}
	return &TemplateEngine{clock: clk, ai: ai}
}

// Expand substitutes every template token in tmpl. Draws come from the
// supplied rng/faker so mock idempotence holds for a fixed seed.
func (t *TemplateEngine) Expand(ctx context.Context, tmpl string, rng *rand.Rand, faker *gofakeit.Faker) string {
	var sb strings.Builder
	rest := tmpl
	for {
		i := strings.Index(rest, "{{")
		if i < 0 {
			sb.WriteString(rest)
			return sb.String()
		}
		end := strings.Index(rest[i:], "}}")
		if end < 0 {
			sb.WriteString(rest)
			return sb.String()
		}
		sb.WriteString(rest[:i])
		token := strings.TrimSpace(rest[i+2 : i+end])
		sb.WriteString(t.expandToken(ctx, token, rest[i:i+end+2], rng, faker))
		rest = rest[i+end+2:]
	}
}

func (t *TemplateEngine) expandToken(ctx context.Context, token, raw string, rng *rand.Rand, faker *gofakeit.Faker) string {
	switch token {
	case "uuid":
		return randomUUID(rng)
	case "uuid.short":
		return randomUUID(rng)[:8]
	case "now":
		return t.clock.Now().UTC().Format(time.RFC3339)
	case "timestamp":
		return strconv.FormatInt(t.clock.Now().Unix(), 10)
	case "random.int":
		return strconv.Itoa(rng.Intn(1000000))
	case "random.int.small":
		return strconv.Itoa(rng.Intn(100))
	case "random.int.large":
		return strconv.FormatInt(int64(rng.Intn(1000000))*1000000+int64(rng.Intn(1000000)), 10)
	case "random.float":
		return strconv.FormatFloat(rng.Float64()*1000, 'f', 2, 64)
	case "random.bool":
		return strconv.FormatBool(rng.Intn(2) == 1)
	}

	switch {
	case strings.HasPrefix(token, "random.choice(") && strings.HasSuffix(token, ")"):
		options := strings.Split(token[len("random.choice("):len(token)-1], ",")
		if len(options) == 0 {
			return ""
		}
		return strings.TrimSpace(options[rng.Intn(len(options))])
	case strings.HasPrefix(token, "faker."):
		return t.fakerField(token[len("faker."):], faker)
	case strings.HasPrefix(token, "persona."):
		// Coerced later by the persona store.
		return raw
	case strings.HasPrefix(token, "ai(") && strings.HasSuffix(token, ")"):
		if t.ai == nil {
			return ""
		}
		out, err := t.ai.Generate(ctx, token[len("ai("):len(token)-1])
		if err != nil {
			return ""
		}
		return out
	}
	// Unknown tokens pass through untouched so misconfigured templates are
	// visible in the output.
	return raw
}

func (t *TemplateEngine) fakerField(field string, faker *gofakeit.Faker) string {
	switch field {
	case "name":
		return faker.Name()
	case "first_name":
		return faker.FirstName()
	case "last_name":
		return faker.LastName()
	case "email":
		return faker.Email()
	case "phone":
		return faker.Phone()
	case "company":
		return faker.Company()
	case "city":
		return faker.City()
	case "country":
		return faker.Country()
	case "word":
		return faker.Word()
	case "sentence":
		return faker.Sentence(8)
	case "url":
		return faker.URL()
	default:
		return faker.Word()
	}
}

// randomUUID draws a v4 UUID from rng so expansion is reproducible.
func randomUUID(rng *rand.Rand) string {
	var b [16]byte
	rng.Read(b[:])
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	id, err := uuid.FromBytes(b[:])
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// templateSeed derives the deterministic seed for one (session, request)
// pair; mock idempotence depends on it.
func templateSeed(sessionID string, fingerprint uint64) uint64 {
	h := fingerprint
	for _, c := range []byte(sessionID) {
		h = h*1099511628211 + uint64(c)
	}
	return h
}

func fakerFor(seed uint64) *gofakeit.Faker {
	return gofakeit.New(seed)
}

func rngFor(seed uint64) *rand.Rand {
	return rand.New(rand.NewSource(int64(seed)))
}
