package execute

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchHeaderLiteralAndPattern(t *testing.T) {
	h := http.Header{}
	h.Set("X-Request-Id", "abc")
	h.Set("X-Tenant-Id", "t1")

	require.Equal(t, "abc", matchHeader(h, "X-Request-Id"))
	require.Equal(t, "", matchHeader(h, "X-Missing"))

	v := matchHeader(h, "X-Tenant-*")
	require.Equal(t, "t1", v)
}

func TestRenderTemplateSubstitutesHeaderPlaceholder(t *testing.T) {
	h := http.Header{}
	h.Set("X-Request-Id", "req-42")
	rc := RequestContext{Header: h}

	out := renderTemplate("trace-{{ request.header.X-Request-Id }}", rc)
	require.Equal(t, "trace-req-42", out)
}

// ApplyHeaderRules runs on every executor-test request, but with no rules:
// schema.Build does not fill schema.Subgraph.HeaderRuleIds, so those
// requests carry only the Content-Type header the executor sets itself.
