package route

import (
	"regexp"
	"strings"
)

// matcher matches a request path and captures template parameters.
type matcher interface {
	match(path string) (map[string]string, bool)
}

// Compile exposes the pattern grammar to other components (the chaos fault
// table targets routes with the same syntax). The returned func reports
// whether a path matches.
func Compile(pattern string) (func(path string) bool, error) {
	m, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	return func(path string) bool {
		_, ok := m.match(path)
		return ok
	}, nil
}

// literalMatcher matches the path byte-for-byte.
type literalMatcher struct {
	path string
}

func (m literalMatcher) match(path string) (map[string]string, bool) {
	return nil, path == m.path
}

// regexMatcher backs both explicit `re:` patterns and compiled
// template/wildcard patterns.
type regexMatcher struct {
	re *regexp.Regexp
}

func (m regexMatcher) match(path string) (map[string]string, bool) {
	sub := m.re.FindStringSubmatch(path)
	if sub == nil {
		return nil, false
	}
	var params map[string]string
	for i, name := range m.re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		if params == nil {
			params = make(map[string]string)
		}
		params[name] = sub[i]
	}
	return params, true
}

var templateParam = regexp.MustCompile(`^\{([a-zA-Z_][a-zA-Z0-9_]*)\}$`)

// compilePattern turns a route pattern into a matcher. Supported forms:
// literal paths, `{param}` templates, `*` (single segment), `**` (any
// suffix), and `re:` prefixed regular expressions.
func compilePattern(pattern string) (matcher, error) {
	if strings.HasPrefix(pattern, "re:") {
		re, err := regexp.Compile(pattern[len("re:"):])
		if err != nil {
			return nil, err
		}
		return regexMatcher{re: re}, nil
	}

	if !strings.ContainsAny(pattern, "*{") {
		return literalMatcher{path: pattern}, nil
	}

	var sb strings.Builder
	sb.WriteString("^")
	segments := strings.Split(pattern, "/")
	for i, seg := range segments {
		if i > 0 {
			sb.WriteString("/")
		}
		switch {
		case seg == "**":
			// Multi-segment wildcard.
			sb.WriteString(".*")
		case seg == "*":
			sb.WriteString("[^/]*")
		case templateParam.MatchString(seg):
			name := templateParam.FindStringSubmatch(seg)[1]
			sb.WriteString("(?P<" + name + ">[^/]+)")
		default:
			sb.WriteString(regexp.QuoteMeta(seg))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, err
	}
	return regexMatcher{re: re}, nil
}
