package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loginPage = `<!doctype html>
<html><head><title>Sign In | Example</title></head>
<body>
  <h1>Member Login</h1>
  <form action="/session/create" method="post">
    <input type="text" name="username" id="username">
    <input type="password" name="password">
    <button type="submit">Log in</button>
  </form>
  <a href="/reset">Forgot password?</a>
</body></html>`

const productPage = `<html><head><title>Blue Widget</title></head>
<body><h1>Blue Widget</h1><p>Add to cart for $10.</p>
<form action="/cart"><input name="qty"><button>Add</button></form></body></html>`

func TestLoginDetector(t *testing.T) {
	engine, err := NewEngine(LoginPage())
	require.NoError(t, err)

	tests := []struct {
		name    string
		url     string
		markup  string
		matched bool
	}{
		{"login form", "https://example.com/account/login", loginPage, true},
		{"login form on neutral url", "https://example.com/x", loginPage, true},
		{"product page", "https://example.com/p/1", productPage, false},
		{"login url only", "https://example.com/login", productPage, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := mustContent(t, tt.url, tt.markup)
			ev := engine.Evaluate(c)[0]
			assert.Equal(t, tt.matched, ev.Matched, "score %d hits %v", ev.Score, ev.Hits)
		})
	}
}

func TestClassifyIsNonExclusiveAndDeterministic(t *testing.T) {
	form := &Detector{Name: "has_form", Threshold: 1, Signals: []Signal{
		{Name: "form", View: ViewHTML, Category: Required, Any: []string{"form"}, Weight: 1},
	}}
	cart := &Detector{Name: "cart", Threshold: 2, Signals: []Signal{
		{Name: "cart", View: ViewText, Category: Required, Any: []string{"add to cart"}, Weight: 2},
	}}
	engine, err := NewEngine(LoginPage(), form, cart)
	require.NoError(t, err)

	first, err := engine.ClassifyHTML("https://example.com/login", loginPage)
	require.NoError(t, err)
	assert.Equal(t, []string{"login_page", "has_form"}, first)

	for i := 0; i < 5; i++ {
		again, err := engine.ClassifyHTML("https://example.com/login", loginPage)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	product, err := engine.ClassifyHTML("https://example.com/p/1", productPage)
	require.NoError(t, err)
	assert.Equal(t, []string{"has_form", "cart"}, product)

	none, err := engine.ClassifyHTML("https://example.com/", "<p>hello</p>")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestNewEngineRejectsDuplicates(t *testing.T) {
	_, err := NewEngine(LoginPage(), LoginPage())
	assert.ErrorContains(t, err, "duplicate detector")
}

func TestParseLegacyDetector(t *testing.T) {
	raw := []byte(`{
	  "name": "admin_panel",
	  "html": {"required": ["nav.sidebar"], "optional": ["form"], "forbidden": ["article.post"]},
	  "text": {"required": ["dashboard"], "optional": [], "forbidden": ["read more"]},
	  "scoring": {"html_required": 3, "html_optional": 1, "text_required": 2, "text_optional": 1, "forbidden_penalty": 4}
	}`)

	d, err := Parse(raw, "json")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Threshold, "min_total_score defaults to 1")
	require.Len(t, d.Signals, 5)
	for _, s := range d.Signals {
		if s.Category == Forbidden {
			assert.Equal(t, -4, s.Weight)
		}
	}

	ev := d.Evaluate(mustContent(t, "https://example.com/admin", adminPage))
	assert.Equal(t, 6, ev.Score)
	assert.True(t, ev.Matched)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()

	yamlDetector := `name: cart
threshold: 2
signals:
  - name: cart_text
    view: text
    category: required
    any: ["add to cart"]
    weight: 2
  - name: blog
    view: url
    category: forbidden
    any: ["/blog/"]
    weight: -5
`
	jsonDetector := `{"name": "login_legacy", "html": {"required": ["input[type=password]"]}, "text": {}, "scoring": {"html_required": 5}, "logic": {"min_total_score": 5}}`

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_cart.yaml"), []byte(yamlDetector), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_login.json"), []byte(jsonDetector), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	detectors, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, detectors, 2)
	assert.Equal(t, "login_legacy", detectors[0].Name)
	assert.Equal(t, "cart", detectors[1].Name)

	engine, err := NewEngine(detectors...)
	require.NoError(t, err)

	got, err := engine.ClassifyHTML("https://example.com/login", loginPage)
	require.NoError(t, err)
	assert.Equal(t, []string{"login_legacy"}, got)

	got, err = engine.ClassifyHTML("https://example.com/blog/widget", productPage)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadDirReportsBadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"name": "x", "signals": [{"view": "text", "category": "forbidden", "any": ["a"], "weight": 1}]}`), 0o600))

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.json")
}
