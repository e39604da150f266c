package lifecycle

import (
	"fmt"
	"strings"

	"github.com/dchest/siphash"
	"github.com/google/uuid"

	"github.com/mockforge/mockforge/infrastructure/clock"
	"github.com/mockforge/mockforge/domain/protocol"
)

// SessionConfig controls session id derivation.
type SessionConfig struct {
	// IDSource: cookie | header | trace_id | ip_window | auto
	IDSource string
	// AutoCreate allocates a fresh id when derivation finds nothing.
	AutoCreate bool
	// WindowSeconds sizes the ip+window fallback bucket.
	WindowSeconds int
}

const (
	sessionCookieName = "session"
	sessionHeaderName = "x-session-id"

	ipKeyLo uint64 = 0x73657373696f6e2d // "session-"
	ipKeyHi uint64 = 0x69702d77696e646f // "ip-windo"
)

// deriveSessionID resolves the session identity for a request. The "auto"
// source walks cookie -> header -> trace id -> client ip + window.
func deriveSessionID(req *protocol.Request, cfg SessionConfig, clk *clock.Clock) string {
	switch cfg.IDSource {
	case "cookie":
		return cookieSession(req)
	case "header":
		return req.Header(sessionHeaderName)
	case "trace_id":
		return req.Header("trace_id")
	case "ip_window":
		return ipWindowSession(req, cfg, clk)
	default: // auto
		if id := cookieSession(req); id != "" {
			return id
		}
		if id := req.Header(sessionHeaderName); id != "" {
			return id
		}
		if id := req.Header("trace_id"); id != "" {
			return id
		}
		if id := ipWindowSession(req, cfg, clk); id != "" {
			return id
		}
	}
	return ""
}

func cookieSession(req *protocol.Request) string {
	raw := req.Header("cookie")
	if raw == "" {
		return ""
	}
	for _, part := range strings.Split(raw, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], sessionCookieName) {
			return kv[1]
		}
	}
	return ""
}

func ipWindowSession(req *protocol.Request, cfg SessionConfig, clk *clock.Clock) string {
	if req.ClientIP == "" {
		return ""
	}
	window := cfg.WindowSeconds
	if window <= 0 {
		window = 300
	}
	bucket := clk.Now().Unix() / int64(window)
	h := siphash.Hash(ipKeyLo, ipKeyHi, []byte(fmt.Sprintf("%s|%d", req.ClientIP, bucket)))
	return fmt.Sprintf("ipw-%016x", h)
}

// newSessionID allocates a fresh session id for auto-create mode.
func newSessionID() string {
	return uuid.New().String()
}
