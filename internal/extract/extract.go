// Package extract parses fetched HTML into readable text, metadata and
// in-scope outbound links.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
	"github.com/InfinityXOneSystems/safecrawl/internal/dedup"
)

// DefaultBlockPatterns drop binary or document downloads and authentication
// pages. Patterns are matched case-insensitively against the absolute URL.
var DefaultBlockPatterns = []string{
	`\.(pdf|docx?|xlsx?|pptx?|odt|ods|rtf|csv)(\?|$)`,
	`\.(zip|gz|tgz|bz2|xz|7z|rar|tar|dmg|exe|msi|apk|iso|bin)(\?|$)`,
	`\.(jpe?g|png|gif|webp|bmp|svg|ico|tiff?|mp3|mp4|m4a|avi|mov|mkv|webm|wav|ogg|woff2?|ttf|eot)(\?|$)`,
	`/(login|logout|log-in|log-out|signin|sign-in|signout|sign-out|signup|sign-up)(/|\?|$)`,
}

// noise elements never contribute readable text.
const noiseSelector = "script, style, noscript, template, svg, iframe"

// Extractor implements crawler.Parser.
type Extractor struct {
	block []*regexp.Regexp
}

var _ crawler.Parser = (*Extractor)(nil)

// New compiles the block patterns. A nil slice selects DefaultBlockPatterns;
// an empty, non-nil slice disables blocking.
func New(blockPatterns []string) (*Extractor, error) {
	if blockPatterns == nil {
		blockPatterns = DefaultBlockPatterns
	}
	e := &Extractor{}
	for _, p := range blockPatterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile block pattern %q: %w", p, err)
		}
		e.block = append(e.block, re)
	}
	return e, nil
}

// Extract returns the normalized, in-scope links found in body.
func (e *Extractor) Extract(baseURL string, body []byte, scope *crawler.HostMatcher) ([]string, error) {
	doc, base, err := load(baseURL, body)
	if err != nil {
		return nil, err
	}
	return e.links(doc, base, scope), nil
}

// Parse returns the document title, metadata, readable text and in-scope
// links.
func (e *Extractor) Parse(baseURL string, body []byte, scope *crawler.HostMatcher) (crawler.Document, error) {
	doc, base, err := load(baseURL, body)
	if err != nil {
		return crawler.Document{}, err
	}
	out := crawler.Document{
		Title: dedup.NormalizeText(doc.Find("title").First().Text()),
		Meta:  meta(doc, base),
		Links: e.links(doc, base, scope),
	}
	doc.Find(noiseSelector).Remove()
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	out.Text = dedup.NormalizeText(blockText(root))
	return out, nil
}

func load(baseURL string, body []byte) (*goquery.Document, *url.URL, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, perr := url.Parse(strings.TrimSpace(href)); perr == nil {
			base = base.ResolveReference(ref)
		}
	}
	return doc, base, nil
}

func (e *Extractor) links(doc *goquery.Document, base *url.URL, scope *crawler.HostMatcher) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link, ok := e.resolve(base, href, scope)
		if !ok {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		out = append(out, link)
	})
	return out
}

func (e *Extractor) resolve(base *url.URL, href string, scope *crawler.HostMatcher) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "javascript:") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	normalized, err := crawler.NormalizeParsed(abs)
	if err != nil {
		return "", false
	}
	for _, re := range e.block {
		if re.MatchString(normalized) {
			return "", false
		}
	}
	if !scope.Matches(crawler.Hostname(normalized)) {
		return "", false
	}
	return normalized, true
}

func meta(doc *goquery.Document, base *url.URL) map[string]string {
	out := make(map[string]string)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		key, ok := s.Attr("name")
		if !ok || key == "" {
			key, ok = s.Attr("property")
		}
		if !ok || key == "" {
			return
		}
		content, ok := s.Attr("content")
		if !ok {
			return
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if _, exists := out[key]; !exists {
			out[key] = strings.TrimSpace(content)
		}
	})
	if lang, ok := doc.Find("html").First().Attr("lang"); ok && strings.TrimSpace(lang) != "" {
		out["lang"] = strings.TrimSpace(lang)
	}
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			if canonical, nerr := crawler.NormalizeURL(base.ResolveReference(ref).String()); nerr == nil {
				out["canonical"] = canonical
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "br": true,
	"dd": true, "div": true, "dl": true, "dt": true, "figcaption": true, "footer": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"header": true, "hr": true, "li": true, "main": true, "nav": true, "ol": true,
	"p": true, "pre": true, "section": true, "table": true, "td": true, "th": true,
	"tr": true, "ul": true,
}

// blockText concatenates text nodes, separating block-level elements with a
// space so their words do not run together.
func blockText(s *goquery.Selection) string {
	var b strings.Builder
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		name := goquery.NodeName(c)
		switch {
		case name == "#text":
			b.WriteString(c.Text())
		case name == "#comment":
		case blockElements[name]:
			b.WriteByte(' ')
			b.WriteString(blockText(c))
			b.WriteByte(' ')
		default:
			b.WriteString(blockText(c))
		}
	})
	return b.String()
}
