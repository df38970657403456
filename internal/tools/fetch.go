package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/concierge-agent/concierge/internal/buildinfo"
	"github.com/concierge-agent/concierge/internal/httpkit"
)

const (
	fetchMaxBytes int64 = 5 * 1024 * 1024
	fetchMaxChars       = 8000
)

// Fetcher downloads web pages and extracts their readable text.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a Fetcher with sane defaults.
func NewFetcher() *Fetcher {
	return &Fetcher{
		client: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
		),
	}
}

// Fetch downloads rawURL and returns its title and extracted text,
// truncated to fetchMaxChars.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.8,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/plain") {
		return truncateText(string(body), fetchMaxChars), nil
	}

	title, text := ExtractReadable(string(body))
	if title != "" {
		text = title + "\n\n" + text
	}
	return truncateText(text, fetchMaxChars), nil
}

// skipElements are elements whose subtree is never readable content.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Form:     true,
}

// ExtractReadable parses HTML and returns the page title and its
// visible text with boilerplate elements removed.
func ExtractReadable(raw string) (title, text string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", collapseWhitespace(stripTags(raw))
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if skipElements[n.DataAtom] {
				return
			}
			if n.DataAtom == atom.Title && title == "" {
				title = strings.TrimSpace(textContent(n))
				return
			}
			if isBlock(n.DataAtom) && b.Len() > 0 {
				b.WriteString("\n")
			}
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				b.WriteString(t)
				b.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
			b.WriteString("\n")
		}
	}
	walk(doc)

	return title, collapseWhitespace(b.String())
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table, atom.Tr:
		return true
	}
	return false
}

var (
	tagPattern    = regexp.MustCompile(`<[^>]*>`)
	spaceRuns     = regexp.MustCompile(`[ \t]+`)
	blankLineRuns = regexp.MustCompile(`\n{3,}`)
)

func stripTags(s string) string {
	return tagPattern.ReplaceAllString(s, " ")
}

func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRuns.ReplaceAllString(l, " "))
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLineRuns.ReplaceAllString(s, "\n\n"))
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}

// WebFetch returns the page fetch tool backed by f.
func WebFetch(f *Fetcher) *Tool {
	return &Tool{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable text content. Use for looking up information from a specific URL the user mentions.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The URL to fetch",
				},
			},
			"required": []string{"url"},
		},
		Suggestion: "check that the URL is reachable from this machine",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			u, _ := args["url"].(string)
			return f.Fetch(ctx, u)
		},
	}
}
