package persona

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// placeholderPrefix marks persona references inside response bodies:
// {{persona.<kind>.<attribute>}}. The entity resolved is the session's
// default one for that kind (seed = kind name) unless a seed is given as
// {{persona.<kind>[<seed>].<attribute>}}.
const placeholderPrefix = "{{persona."

// Coerce replaces persona placeholders in a JSON body with the session's
// deterministic values, so every endpoint emits the same ids and fields for
// one session. Non-JSON bodies and bodies without placeholders pass through
// untouched.
func (s *Store) Coerce(sessionID string, body []byte) []byte {
	if len(body) == 0 || !strings.Contains(string(body), placeholderPrefix) {
		return body
	}
	if !gjson.ValidBytes(body) {
		// Plain-text template: substitute in place.
		return []byte(s.replaceInline(sessionID, string(body)))
	}

	type edit struct {
		path  string
		value interface{}
		raw   string // non-empty for partial (inline) substitution
	}
	var edits []edit

	var walk func(prefix string, v gjson.Result)
	walk = func(prefix string, v gjson.Result) {
		switch {
		case v.IsObject() || v.IsArray():
			v.ForEach(func(key, val gjson.Result) bool {
				p := key.String()
				if prefix != "" {
					p = prefix + "." + p
				}
				walk(p, val)
				return true
			})
		case v.Type == gjson.String:
			str := v.String()
			if !strings.Contains(str, placeholderPrefix) {
				return
			}
			if kind, seed, attr, whole := parsePlaceholder(str); whole {
				if value, ok := s.lookupAttr(sessionID, kind, seed, attr); ok {
					edits = append(edits, edit{path: prefix, value: value})
				}
				return
			}
			edits = append(edits, edit{path: prefix, raw: s.replaceInline(sessionID, str)})
		}
	}
	walk("", gjson.ParseBytes(body))

	out := body
	for _, e := range edits {
		var err error
		if e.raw != "" {
			out, err = sjson.SetBytes(out, e.path, e.raw)
		} else {
			out, err = sjson.SetBytes(out, e.path, e.value)
		}
		if err != nil {
			return body
		}
	}
	return out
}

// parsePlaceholder matches a string that is exactly one placeholder.
func parsePlaceholder(s string) (kind, seed, attr string, ok bool) {
	if !strings.HasPrefix(s, placeholderPrefix) || !strings.HasSuffix(s, "}}") {
		return "", "", "", false
	}
	inner := s[len(placeholderPrefix) : len(s)-2]
	if strings.Contains(inner, "{{") {
		return "", "", "", false
	}
	parts := strings.SplitN(inner, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	kind, seed = splitSeed(parts[0])
	return kind, seed, parts[1], true
}

// splitSeed handles the optional [seed] suffix on the kind segment.
func splitSeed(kindSpec string) (kind, seed string) {
	if i := strings.IndexByte(kindSpec, '['); i > 0 && strings.HasSuffix(kindSpec, "]") {
		return kindSpec[:i], kindSpec[i+1 : len(kindSpec)-1]
	}
	return kindSpec, kindSpec
}

func (s *Store) lookupAttr(sessionID, kind, seed, attr string) (interface{}, bool) {
	ent, err := s.GetOrCreate(sessionID, kind, seed)
	if err != nil {
		return nil, false
	}
	if attr == "id" {
		return ent.ID, true
	}
	v, ok := ent.Attributes[attr]
	return v, ok
}

// replaceInline substitutes placeholders embedded in a larger string.
func (s *Store) replaceInline(sessionID, str string) string {
	var sb strings.Builder
	rest := str
	for {
		i := strings.Index(rest, placeholderPrefix)
		if i < 0 {
			sb.WriteString(rest)
			return sb.String()
		}
		sb.WriteString(rest[:i])
		end := strings.Index(rest[i:], "}}")
		if end < 0 {
			sb.WriteString(rest[i:])
			return sb.String()
		}
		token := rest[i : i+end+2]
		if kind, seed, attr, ok := parsePlaceholder(token); ok {
			if value, found := s.lookupAttr(sessionID, kind, seed, attr); found {
				sb.WriteString(fmt.Sprintf("%v", value))
			} else {
				sb.WriteString(token)
			}
		} else {
			sb.WriteString(token)
		}
		rest = rest[i+end+2:]
	}
}
