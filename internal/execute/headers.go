package execute

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	bytetemplate "github.com/jensneuse/byte-template"

	"github.com/grafbase/gwcore/internal/schema"
)

// RequestContext supplies the placeholders header rule templates may
// reference, e.g. `{{ .request.header.X-Request-Id }}` (spec.md §6
// "header_rules... Insert(name, value)").
type RequestContext struct {
	Header http.Header
}

var templateEngine = bytetemplate.New()

// headerReplacer implements byte-template's Replacer interface, resolving
// only the `request.header.X` placeholder family header rules use.
type headerReplacer struct {
	rc RequestContext
}

func (r headerReplacer) Replace(w io.Writer, path []byte) {
	const prefix = "request.header."
	key := string(path)
	if strings.HasPrefix(key, prefix) {
		_, _ = w.Write([]byte(r.rc.Header.Get(strings.TrimPrefix(key, prefix))))
	}
}

// ApplyHeaderRules renders sg's header rules into the outgoing header set,
// starting from an empty set: only headers a rule forwards, inserts or
// renames are sent, and Remove deletes only a header an earlier rule added.
// github.com/jensneuse/byte-template
// operates directly on []byte, so Insert templates are rendered without a
// round trip through string (the teacher's own templating dependency, used
// here exactly as it renders subgraph-bound directive arguments).
func ApplyHeaderRules(s *schema.Schema, sg schema.Subgraph, rc RequestContext) http.Header {
	out := make(http.Header, len(sg.HeaderRuleIds))

	for _, id := range sg.HeaderRuleIds {
		rule := s.HeaderRule(id)
		switch rule.Kind {
		case schema.HeaderRuleForward:
			if v := matchHeader(rc.Header, rule.Name); v != "" {
				out.Set(renamedName(rule), v)
			} else if rule.Default != "" {
				out.Set(renamedName(rule), rule.Default)
			}
		case schema.HeaderRuleInsert:
			rendered := renderTemplate(rule.Value, rc)
			out.Set(rule.Name, rendered)
		case schema.HeaderRuleRemove:
			out.Del(rule.Name)
		case schema.HeaderRuleRenameDuplicate:
			if v := matchHeader(rc.Header, rule.Name); v != "" {
				out.Set(rule.Rename, v)
			} else if rule.Default != "" {
				out.Set(rule.Rename, rule.Default)
			}
		}
	}
	return out
}

func renamedName(rule schema.HeaderRule) string {
	if rule.Rename != "" {
		return rule.Rename
	}
	return rule.Name
}

// matchHeader accepts a literal header name or a simple `*` suffix pattern,
// per spec.md §6 "name matching accepts literal names or patterns".
func matchHeader(h http.Header, pattern string) string {
	if !strings.Contains(pattern, "*") {
		return h.Get(pattern)
	}
	prefix := strings.TrimSuffix(pattern, "*")
	for name, values := range h {
		if strings.HasPrefix(strings.ToLower(name), strings.ToLower(prefix)) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

func renderTemplate(tpl string, rc RequestContext) string {
	var buf bytes.Buffer
	if err := templateEngine.Execute(&buf, []byte(tpl), headerReplacer{rc: rc}); err != nil {
		return tpl
	}
	return buf.String()
}
