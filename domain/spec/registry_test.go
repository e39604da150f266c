package spec

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/mockforge/mockforge/infrastructure/errors"
	"github.com/mockforge/mockforge/infrastructure/clock"
)

const usersAPI = `
openapi: "3.0.3"
info:
  title: Users
  version: "1.0"
paths:
  /users/{id}:
    get:
      operationId: getUser
      responses:
        "200":
          description: a user
          content:
            application/json:
              schema:
                $ref: "#/components/schemas/User"
  /users:
    post:
      operationId: createUser
      requestBody:
        content:
          application/json:
            schema:
              type: object
              required: [name, email]
              properties:
                name: {type: string}
                email: {type: string, format: email}
                age: {type: integer}
      responses:
        "201":
          description: created
          content:
            application/json:
              schema:
                $ref: "#/components/schemas/User"
components:
  schemas:
    User:
      type: object
      required: [id, name, email]
      properties:
        id: {type: string, format: uuid}
        name: {type: string}
        email: {type: string, format: email}
        status:
          type: string
          enum: [active, inactive]
`

var (
	uuidRe  = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	emailRe = regexp.MustCompile(`.+@.+`)
)

func TestLoadOpenAPIOperations(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.LoadOpenAPI([]byte(usersAPI)))

	ops := r.Operations()
	require.Len(t, ops, 2)

	get, ok := r.Operation("getUser")
	require.True(t, ok)
	assert.Equal(t, KindEndpoint, get.Kind)
	assert.Equal(t, "GET", get.Method)
	assert.Equal(t, "/users/{id}", get.PathPattern)
	require.NotNil(t, get.Output)
	assert.Equal(t, "User", get.Output.Ref)
}

func TestGenerateUserConformsToSchema(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.LoadOpenAPI([]byte(usersAPI)))
	op, _ := r.Operation("getUser")

	gen := NewGenerator(42, clock.New())
	v, err := r.GenerateMockResponse(op, "", gen)
	require.NoError(t, err)

	obj, ok := v.(map[string]interface{})
	require.True(t, ok, "expected object, got %T", v)
	id, _ := obj["id"].(string)
	assert.Regexp(t, uuidRe, id)
	name, _ := obj["name"].(string)
	assert.NotEmpty(t, name)
	email, _ := obj["email"].(string)
	assert.Regexp(t, emailRe, email)
	if status, present := obj["status"]; present {
		assert.Contains(t, []interface{}{"active", "inactive"}, status)
	}
}

func TestGenerationDeterministicPerSeed(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.LoadOpenAPI([]byte(usersAPI)))
	op, _ := r.Operation("getUser")

	clk := clock.New()
	clk.Freeze(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	a, err := r.GenerateMockResponse(op, "", NewGenerator(7, clk))
	require.NoError(t, err)
	b, err := r.GenerateMockResponse(op, "", NewGenerator(7, clk))
	require.NoError(t, err)

	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	assert.JSONEq(t, string(ja), string(jb))
}

func TestValidateRequest(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.LoadOpenAPI([]byte(usersAPI)))
	op, _ := r.Operation("createUser")

	// Valid body passes.
	assert.NoError(t, r.ValidateRequest(op, []byte(`{"name":"n","email":"e@x.com","age":3}`)))

	// Missing required and mistyped fields are reported together.
	err := r.ValidateRequest(op, []byte(`{"age":"three"}`))
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindValidation, coreerrors.KindOf(err))
	ce := coreerrors.GetCoreError(err)
	fields, _ := ce.Details["fields"].([]string)
	assert.Len(t, fields, 3) // name missing, email missing, age mistyped

	// Invalid JSON is a validation error, not a panic.
	assert.Error(t, r.ValidateRequest(op, []byte(`{"name":`)))

	// Operations without an input schema accept anything.
	get, _ := r.Operation("getUser")
	assert.NoError(t, r.ValidateRequest(get, nil))
}

const cyclicAPI = `
openapi: "3.0.3"
info:
  title: Nodes
  version: "1.0"
paths:
  /nodes:
    get:
      operationId: getNode
      responses:
        "200":
          description: a node
          content:
            application/json:
              schema:
                $ref: "#/components/schemas/Node"
components:
  schemas:
    Node:
      type: object
      required: [value]
      properties:
        value: {type: integer}
        parent:
          $ref: "#/components/schemas/Node"
`

func TestRefCycleTerminates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.LoadOpenAPI([]byte(cyclicAPI)))
	op, _ := r.Operation("getNode")

	v, err := r.GenerateMockResponse(op, "", NewGenerator(1, clock.New()))
	require.NoError(t, err)
	_, err = json.Marshal(v)
	assert.NoError(t, err, "cyclic generation must produce a finite tree")

	obj, ok := v.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, obj, "value")
}

const sdl = `
type Query {
  user(id: ID!): User
  users: [User!]!
}
type Mutation {
  createUser(name: String!, email: String!): User
}
type User {
  id: ID!
  name: String!
  email: String!
  orders: [Order!]
}
type Order {
  id: ID!
  total: Float!
}
`

func TestLoadGraphQLOperations(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.LoadGraphQL([]byte(sdl)))

	names := map[string]bool{}
	for _, op := range r.Operations() {
		names[op.Name] = true
	}
	assert.True(t, names["Query.user"])
	assert.True(t, names["Query.users"])
	assert.True(t, names["Mutation.createUser"])

	op, ok := r.Operation("Query.user")
	require.True(t, ok)
	assert.Equal(t, KindQuery, op.Kind)
	require.NotNil(t, op.Input)
	assert.Contains(t, op.Input.Required, "id")
}

func TestGraphQLSelectionSetHonored(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.LoadGraphQL([]byte(sdl)))
	op, _ := r.Operation("Query.user")

	query := `query { user(id: "1") { id email } }`
	v, err := r.GenerateMockResponse(op, query, NewGenerator(3, clock.New()))
	require.NoError(t, err)

	data := v.(map[string]interface{})["data"].(map[string]interface{})
	user, ok := data["user"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, user, "id")
	assert.Contains(t, user, "email")
	assert.NotContains(t, user, "name", "unselected fields must not be emitted")
	assert.NotContains(t, user, "orders")
}

func TestLoadProtoOperations(t *testing.T) {
	order := &ProtoMessage{Name: "Order", Fields: []ProtoField{
		{Name: "id", Type: "string"},
		{Name: "total", Type: "double"},
	}}
	services := []ProtoService{{
		Name: "OrderService",
		Methods: []ProtoMethod{{
			Name:   "GetOrder",
			Input:  &ProtoMessage{Name: "GetOrderRequest", Fields: []ProtoField{{Name: "id", Type: "string"}}},
			Output: order,
		}},
	}}

	r := NewRegistry()
	require.NoError(t, r.LoadProto(services))

	op, ok := r.Operation("OrderService.GetOrder")
	require.True(t, ok)
	assert.Equal(t, KindRPC, op.Kind)

	v, err := r.GenerateMockResponse(op, "", NewGenerator(11, clock.New()))
	require.NoError(t, err)
	obj := v.(map[string]interface{})
	assert.Contains(t, obj, "id")
	assert.Contains(t, obj, "total")
}

func TestMinimalModeOmitsOptionals(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.LoadOpenAPI([]byte(usersAPI)))
	op, _ := r.Operation("getUser")

	gen := NewGenerator(5, clock.New())
	gen.Minimal = true
	v, err := r.GenerateMockResponse(op, "", gen)
	require.NoError(t, err)

	obj := v.(map[string]interface{})
	assert.NotContains(t, obj, "status", "optional property must be absent in minimal mode")
	assert.Contains(t, obj, "id")
}
