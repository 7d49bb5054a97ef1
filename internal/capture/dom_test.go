package capture

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompactDOM(t *testing.T) {
	in := `<html><head><script>var x = 1;</script><style>p{}</style></head>
<body>
  <!-- nav -->
  <svg><path d="M0"/></svg>
  <form id="login"><input name="email"/><button>Go</button></form>
  <noscript>enable js</noscript>
</body></html>`

	out := CompactDOM(in)

	assert.NotContains(t, out, "var x")
	assert.NotContains(t, out, "p{}")
	assert.NotContains(t, out, "nav")
	assert.NotContains(t, out, "<svg")
	assert.NotContains(t, out, "enable js")
	assert.Contains(t, out, `<form id="login"><input name="email"/><button>Go</button></form>`)
}

func TestTruncateDOM(t *testing.T) {
	s, cut := TruncateDOM("short", 10)
	assert.Equal(t, "short", s)
	assert.False(t, cut)

	long := strings.Repeat("é", 12)
	s, cut = TruncateDOM(long, 10)
	assert.True(t, cut)
	assert.True(t, strings.HasPrefix(s, strings.Repeat("é", 10)))
	assert.True(t, strings.HasSuffix(s, "<!-- truncated: 2 more characters -->"))

	exact := strings.Repeat("x", DefaultDOMBudget)
	s, cut = TruncateDOM(exact, 0)
	assert.False(t, cut)
	assert.Equal(t, exact, s)
}

func TestScreenshotName(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "tests_test_login.go_TestLogin_2024-01-02_03-04-05.000.png",
		ScreenshotName("tests/test_login.go::TestLogin", ts))
	assert.Equal(t, "test_2024-01-02_03-04-05.000.png", ScreenshotName("::", ts))

	retry := ts.Add(250 * time.Millisecond)
	assert.Equal(t, "test_2024-01-02_03-04-05.250.png", ScreenshotName("::", retry))
	assert.NotEqual(t, ScreenshotName("T", ts), ScreenshotName("T", retry))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "Login_with_valid_credentials", SanitizeName("Login with valid credentials"))
	assert.Equal(t, "a_b", SanitizeName("a::/\\b"))
}
