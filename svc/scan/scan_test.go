package scan

import (
	"strings"
	"testing"

	"echobin/cfg"
	"echobin/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testToken = "AbCdEfGhIjKlMnOpQrStU.abc123." + strings.Repeat("Z", 27)

type sliceQueue struct {
	items []string
}

func (q *sliceQueue) Enqueue(secret string) {
	q.items = append(q.items, secret)
}

func newTestRegistry(t *testing.T, defs ...cfg.ScannerDef) *Registry {
	t.Helper()
	r, err := NewRegistry(defs)
	require.NoError(t, err)
	return r
}

func TestLocate(t *testing.T) {
	content := "héllo\nwörld 🎉 x"
	pos := Locate(content, strings.Index(content, "x"))
	assert.Equal(t, domain.Position{Line: 1, Char: 8}, pos)

	assert.Equal(t, domain.Position{Line: 0, Char: 0}, Locate(content, 0))
	assert.Equal(t, domain.Position{Line: 0, Char: 5}, Locate(content, strings.Index(content, "\n")))
	assert.Equal(t, domain.Position{Line: 1, Char: 0}, Locate(content, strings.Index(content, "w")))
	assert.Equal(t, Locate(content, len(content)), Locate(content, len(content)+50))
}

func TestLocateOffsetRoundTrip(t *testing.T) {
	contents := []string{
		"",
		"single line",
		"a\nb\n\nccc\n",
		"héllo\nwörld 🎉 x\n日本語のテキスト\nend",
	}
	for _, content := range contents {
		for off := range content {
			require.Equal(t, off, Offset(content, Locate(content, off)), "content %q offset %d", content, off)
		}
		require.Equal(t, len(content), Offset(content, Locate(content, len(content))))
	}
}

func TestOffsetClamps(t *testing.T) {
	content := "ab\ncd"
	assert.Equal(t, 2, Offset(content, domain.Position{Line: 0, Char: 40}))
	assert.Equal(t, len(content), Offset(content, domain.Position{Line: 9, Char: 0}))
}

func TestConfirmDiscordToken(t *testing.T) {
	cases := []struct {
		name  string
		token string
		want  bool
	}{
		{"dangling symbol dropped", testToken, true},
		{"aligned id", "MTIzNDU2Nzg5MDEyMzQ1Njc4.GhIjKl." + strings.Repeat("a", 30), true},
		{"url-safe alphabet", "AbCdEfGhIjKlMnOpQrSt-_.abc123." + strings.Repeat("Z", 27), false},
		{"nonzero trailing bits", strings.Repeat("A", 21) + "B.abc123." + strings.Repeat("Z", 27), false},
		{"four segments", "AAAA.BBBB.CCCC.DDDD", false},
		{"two segments", "AAAA.BBBB", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, confirmDiscordToken(tc.token))
		})
	}
}

func TestNewRegistryOrder(t *testing.T) {
	r := newTestRegistry(t,
		cfg.ScannerDef{Name: "PyPi", Pattern: `pypi-AgEIcHlwaS5vcmc[A-Za-z0-9-_]{70,}`},
		cfg.ScannerDef{Name: "GitHub", Pattern: `(ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9_]{36}`, Invalidate: boolPtr(false)},
	)
	require.Equal(t, 3, r.Len())
	names := []string{}
	for _, s := range r.Scanners() {
		names = append(names, s.Service())
	}
	assert.Equal(t, []string{"Discord", "PyPi", "GitHub"}, names)
	assert.True(t, r.Scanners()[1].Invalidates(), "invalidate defaults to true")
	assert.False(t, r.Scanners()[2].Invalidates())
}

func TestNewRegistryBadPattern(t *testing.T) {
	_, err := NewRegistry([]cfg.ScannerDef{{Name: "Broken", Pattern: `([a-z`}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Broken")

	_, err = NewRegistry([]cfg.ScannerDef{{Name: "", Pattern: `x`}})
	require.Error(t, err)
}

func TestPipelineScanInvalidates(t *testing.T) {
	q := &sliceQueue{}
	p := NewPipeline(newTestRegistry(t), q)
	content := "line one\nmy token is " + testToken

	findings := p.Scan(content, true)
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, "Discord", f.Service)
	assert.Equal(t, domain.Position{Line: 1, Char: 12}, f.Head)
	assert.Equal(t, domain.Position{Line: 1, Char: 12 + len(testToken)}, f.Tail)
	assert.Equal(t, testToken, f.Text)
	assert.Equal(t, content[21:21+len(testToken)], f.Text)
	assert.True(t, f.Invalidated)
	assert.Equal(t, "echobin found a secret for Discord. This secret has been invalidated.", f.Message())
	assert.Equal(t, []string{testToken}, q.items)
}

func TestPipelineScanWithoutInvalidation(t *testing.T) {
	q := &sliceQueue{}
	p := NewPipeline(newTestRegistry(t), q)

	findings := p.Scan("token: "+testToken, false)
	require.Len(t, findings, 1)
	assert.False(t, findings[0].Invalidated)
	assert.Equal(t, "echobin found a secret for Discord.", findings[0].Message())
	assert.Empty(t, q.items)
}

func TestPipelineNilQueueDisablesInvalidation(t *testing.T) {
	p := NewPipeline(newTestRegistry(t), nil)
	assert.False(t, p.CanInvalidate())
	findings := p.Scan(testToken, true)
	require.Len(t, findings, 1)
	assert.False(t, findings[0].Invalidated)
}

func TestPipelineGenericScannerRespectsFlag(t *testing.T) {
	q := &sliceQueue{}
	gh := "ghp_" + strings.Repeat("x", 36)
	p := NewPipeline(newTestRegistry(t,
		cfg.ScannerDef{Name: "GitHub", Pattern: `(ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9_]{36}`, Invalidate: boolPtr(false)},
	), q)

	findings := p.Scan("a\n"+gh+"\n"+testToken, true)
	require.Len(t, findings, 2)
	assert.Equal(t, "Discord", findings[0].Service)
	assert.True(t, findings[0].Invalidated)
	assert.Equal(t, "GitHub", findings[1].Service)
	assert.False(t, findings[1].Invalidated)
	assert.Equal(t, domain.Position{Line: 1, Char: 0}, findings[1].Head)
	assert.Equal(t, []string{testToken}, q.items)
}

func TestPipelineMatchesInOrder(t *testing.T) {
	q := &sliceQueue{}
	p := NewPipeline(newTestRegistry(t), q)
	second := "MTIzNDU2Nzg5MDEyMzQ1Njc4.GhIjKl." + strings.Repeat("b", 30)

	findings := p.Scan(testToken+"\n"+second, true)
	require.Len(t, findings, 2)
	assert.Equal(t, 0, findings[0].Head.Line)
	assert.Equal(t, 1, findings[1].Head.Line)
	assert.Equal(t, []string{testToken, second}, q.items)
}

func TestPipelineNoMatch(t *testing.T) {
	q := &sliceQueue{}
	p := NewPipeline(newTestRegistry(t), q)
	assert.Empty(t, p.Scan("nothing to see here", true))
	assert.Empty(t, q.items)
}

func boolPtr(b bool) *bool { return &b }
