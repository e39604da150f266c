// Package fingerprint computes the canonical 64-bit identity of a request.
// Equal canonical forms produce equal fingerprints across restarts; the hash
// is used as cache key, replay key, and idempotence key.
package fingerprint

import (
	"bytes"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dchest/siphash"
	"github.com/tidwall/gjson"

	"github.com/mockforge/mockforge/domain/protocol"
)

// Fixed SipHash key for process-wide, restart-stable hashing.
const (
	keyLo uint64 = 0x6d6f636b666f7267 // "mockforg"
	keyHi uint64 = 0x652d636f72652d31 // "e-core-1"
)

// Options selects which request parts participate in the canonical form.
type Options struct {
	// AllowHeaders lists the metadata keys (case-insensitive) included in
	// the hash. Nil means the default allow-list.
	AllowHeaders []string
}

var defaultAllowHeaders = []string{"content-type", "accept"}

// Compute returns the fingerprint of req. It never fails: malformed UTF-8
// in metadata falls back to byte-wise hashing of the raw parts.
func Compute(req *protocol.Request, opts Options) uint64 {
	allow := opts.AllowHeaders
	if allow == nil {
		allow = defaultAllowHeaders
	}

	var buf bytes.Buffer
	buf.WriteString(string(req.Protocol))
	buf.WriteByte(0)
	buf.WriteString(req.Operation)
	buf.WriteByte(0)
	buf.WriteString(normalizePath(req.Path))
	buf.WriteByte(0)

	writeHeaders(&buf, req.Metadata, allow)
	buf.Write(canonicalBody(req.Body))

	return siphash.Hash(keyLo, keyHi, buf.Bytes())
}

// normalizePath collapses duplicate slashes, percent-decodes, and lowercases
// the host while preserving path segment case.
func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	host := ""
	rest := p
	if u, err := url.Parse(p); err == nil && u.Host != "" {
		host = strings.ToLower(u.Host)
		rest = u.Path
		if u.RawQuery != "" {
			rest += "?" + u.RawQuery
		}
	}
	if decoded, err := url.PathUnescape(rest); err == nil {
		rest = decoded
	}
	for strings.Contains(rest, "//") {
		rest = strings.ReplaceAll(rest, "//", "/")
	}
	return host + rest
}

// writeHeaders appends the allow-listed (name, value) pairs, names
// lower-cased, sorted by name. Malformed UTF-8 anywhere degrades to raw
// byte hashing of the whole metadata map, still deterministic.
func writeHeaders(buf *bytes.Buffer, metadata map[string]string, allow []string) {
	type pair struct{ name, value string }
	var pairs []pair

	wellFormed := true
	for _, name := range allow {
		lower := strings.ToLower(name)
		for k, v := range metadata {
			if !utf8.ValidString(k) || !utf8.ValidString(v) {
				wellFormed = false
				break
			}
			if strings.ToLower(k) == lower {
				pairs = append(pairs, pair{lower, v})
			}
		}
		if !wellFormed {
			break
		}
	}

	if !wellFormed {
		raw := make([]string, 0, len(metadata))
		for k, v := range metadata {
			raw = append(raw, k+"\x00"+v)
		}
		sort.Strings(raw)
		for _, kv := range raw {
			buf.WriteString(kv)
			buf.WriteByte(0)
		}
		return
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].name != pairs[j].name {
			return pairs[i].name < pairs[j].name
		}
		return pairs[i].value < pairs[j].value
	})
	for _, p := range pairs {
		buf.WriteString(p.name)
		buf.WriteByte(0)
		buf.WriteString(p.value)
		buf.WriteByte(0)
	}
}

// canonicalBody re-serializes JSON object/array bodies with sorted keys so
// key order does not change the fingerprint. Non-JSON bodies pass through.
func canonicalBody(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return body
	}
	if !gjson.ValidBytes(trimmed) {
		return body
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return body
	}

	var out bytes.Buffer
	writeCanonical(&out, v)
	return out.Bytes()
}

func writeCanonical(out *bytes.Buffer, v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				out.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			out.Write(kb)
			out.WriteByte(':')
			writeCanonical(out, t[k])
		}
		out.WriteByte('}')
	case []interface{}:
		out.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				out.WriteByte(',')
			}
			writeCanonical(out, e)
		}
		out.WriteByte(']')
	case json.Number:
		out.WriteString(t.String())
	default:
		b, _ := json.Marshal(t)
		out.Write(b)
	}
}
