package recorder

import (
	"fmt"
	"strings"

	"github.com/dchest/siphash"

	"github.com/mockforge/mockforge/domain/protocol"
)

const (
	flowKeyLo uint64 = 0x666c6f772d677270 // "flow-grp"
	flowKeyHi uint64 = 0x6f75702d6b657931 // "oup-key1"
)

// flowID assigns the flow for an entry at write time:
// trace id metadata, else session cookie, else client ip + sliding window.
func (j *Journal) flowID(req *protocol.Request) string {
	if !j.opts.FlowGrouping {
		return ""
	}
	if id := traceID(req); id != "" {
		return id
	}
	if cookie := sessionCookie(req); cookie != "" {
		return cookie
	}
	window := j.clock.Now().Unix() / int64(j.opts.WindowSeconds)
	h := siphash.Hash(flowKeyLo, flowKeyHi, []byte(fmt.Sprintf("%s|%d", req.ClientIP, window)))
	return fmt.Sprintf("ip-%016x", h)
}

func traceID(req *protocol.Request) string {
	for _, key := range []string{"trace_id", "x-trace-id", "traceparent"} {
		if v := req.Header(key); v != "" {
			return v
		}
	}
	return ""
}

// sessionCookie extracts the session cookie value, falling back to the
// already-derived session id when the transport resolved one from a cookie.
func sessionCookie(req *protocol.Request) string {
	if raw := req.Header("cookie"); raw != "" {
		for _, part := range strings.Split(raw, ";") {
			kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
			if len(kv) == 2 && strings.EqualFold(kv[0], "session") {
				return kv[1]
			}
		}
	}
	if req.SessionID != "" {
		return req.SessionID
	}
	return ""
}
