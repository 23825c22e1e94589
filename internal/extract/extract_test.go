package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
)

const samplePage = `<!DOCTYPE html>
<html lang="en">
<head>
  <title>  Example   Docs </title>
  <meta name="description" content="A test page">
  <meta property="og:title" content="OG Example">
  <link rel="canonical" href="/docs/">
  <style>body { color: red; }</style>
  <script>var secret = "do not index";</script>
</head>
<body>
  <h1>Welcome</h1><p>First paragraph.</p>
  <p>Second <b>bold</b> paragraph.</p>
  <noscript>enable javascript</noscript>
  <a href="/a">A</a>
  <a href="b?z=1&a=2#frag">B</a>
  <a href="https://docs.example.com/c">C</a>
  <a href="https://evil.example.net/d">D</a>
  <a href="mailto:me@example.com">mail</a>
  <a href="javascript:void(0)">js</a>
  <a href="ftp://example.com/file">ftp</a>
  <a href="/report.PDF">pdf</a>
  <a href="/Login">login</a>
  <a href="/a#again">A again</a>
  <a href="#top">top</a>
</body>
</html>`

func newScope(hosts ...string) *crawler.HostMatcher {
	return crawler.NewHostMatcher(hosts)
}

func TestExtractFiltersLinks(t *testing.T) {
	t.Parallel()

	e, err := New(nil)
	require.NoError(t, err)

	links, err := e.Extract("https://example.com/guide/", []byte(samplePage), newScope("example.com"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"https://example.com/a",
		"https://example.com/guide/b?a=2&z=1",
		"https://docs.example.com/c",
	}, links)
}

func TestExtractScopeExcludesSubdomainsOfOtherHosts(t *testing.T) {
	t.Parallel()

	e, err := New(nil)
	require.NoError(t, err)

	links, err := e.Extract("https://example.com/", []byte(samplePage), newScope("docs.example.com"))
	require.NoError(t, err)
	require.Equal(t, []string{"https://docs.example.com/c"}, links)

	none, err := e.Extract("https://example.com/", []byte(samplePage), nil)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestExtractHonorsBaseHref(t *testing.T) {
	t.Parallel()

	e, err := New(nil)
	require.NoError(t, err)

	page := `<html><head><base href="https://example.com/root/"></head>
<body><a href="child">child</a><a href="../up">up</a></body></html>`
	links, err := e.Extract("https://example.com/other/page", []byte(page), newScope("example.com"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"https://example.com/root/child", "https://example.com/up"}, links)
}

func TestCustomBlockPatterns(t *testing.T) {
	t.Parallel()

	e, err := New([]string{`/private/`})
	require.NoError(t, err)
	page := `<a href="/private/x">x</a><a href="/report.pdf">pdf</a>`
	links, err := e.Extract("https://example.com/", []byte(page), newScope("example.com"))
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/report.pdf"}, links)

	_, err = New([]string{"("})
	require.Error(t, err)
}

func TestParse(t *testing.T) {
	t.Parallel()

	e, err := New(nil)
	require.NoError(t, err)

	doc, err := e.Parse("https://example.com/guide/", []byte(samplePage), newScope("example.com"))
	require.NoError(t, err)
	require.Equal(t, "Example Docs", doc.Title)
	require.Equal(t, "A test page", doc.Meta["description"])
	require.Equal(t, "OG Example", doc.Meta["og:title"])
	require.Equal(t, "en", doc.Meta["lang"])
	require.Equal(t, "https://example.com/docs/", doc.Meta["canonical"])
	require.Len(t, doc.Links, 3)

	require.Contains(t, doc.Text, "Welcome First paragraph.")
	require.Contains(t, doc.Text, "Second bold paragraph.")
	require.NotContains(t, doc.Text, "secret")
	require.NotContains(t, doc.Text, "color")
	require.NotContains(t, doc.Text, "enable javascript")
	require.NotContains(t, doc.Text, "  ")
}

func TestParseWithoutBody(t *testing.T) {
	t.Parallel()

	e, err := New(nil)
	require.NoError(t, err)
	doc, err := e.Parse("https://example.com/", []byte("just text"), nil)
	require.NoError(t, err)
	require.Equal(t, "just text", doc.Text)
	require.Nil(t, doc.Meta)
	require.Empty(t, doc.Links)
}
