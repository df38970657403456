package facts

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Ingester imports markdown notes into the fact store. Each section
// under a heading becomes one fact keyed by the heading slug, so a
// notes file can be re-imported cleanly after edits.
type Ingester struct {
	store  *Store
	logger *slog.Logger
	md     goldmark.Markdown
}

// NewIngester creates a markdown notes ingester.
func NewIngester(store *Store, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		store:  store,
		logger: logger.With("component", "ingest"),
		md:     goldmark.New(),
	}
}

// IngestDir imports every .md file under dir (non-recursive). Returns
// the number of facts stored.
func (g *Ingester) IngestDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read notes dir: %w", err)
	}

	total := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		n, err := g.IngestFile(path)
		if err != nil {
			g.logger.Warn("notes file skipped", "path", path, "error", err)
			continue
		}
		total += n
	}
	g.logger.Info("notes ingested", "dir", dir, "facts", total)
	return total, nil
}

// IngestFile imports one markdown file. Existing facts from the same
// file are replaced.
func (g *Ingester) IngestFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read file: %w", err)
	}

	source := "notes:" + filepath.Base(path)
	if err := g.store.DeleteBySource(source); err != nil {
		return 0, fmt.Errorf("clear previous import: %w", err)
	}

	count := 0
	for _, chunk := range g.parse(data) {
		if _, err := g.store.Set(CategoryNote, chunk.key, chunk.content, source, 1.0); err != nil {
			g.logger.Warn("fact not stored", "key", chunk.key, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

type chunk struct {
	key     string
	content string
}

// parse splits a markdown document into per-heading chunks using the
// goldmark AST. Content before the first heading is keyed by the file
// itself under "preamble".
func (g *Ingester) parse(src []byte) []chunk {
	doc := g.md.Parser().Parse(text.NewReader(src))

	var chunks []chunk
	currentKey := "preamble"
	var content strings.Builder

	flush := func() {
		body := strings.TrimSpace(content.String())
		if body != "" {
			chunks = append(chunks, chunk{key: currentKey, content: body})
		}
		content.Reset()
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok {
			flush()
			currentKey = slugify(string(h.Text(src)))
			continue
		}
		if content.Len() > 0 {
			content.WriteString("\n")
		}
		content.WriteString(nodeText(n, src))
	}
	flush()
	return chunks
}

// nodeText renders a block node's text content, one line per nested
// block (list items, paragraphs in a blockquote).
func nodeText(n ast.Node, src []byte) string {
	var lines []string
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch b := c.(type) {
		case *ast.Paragraph, *ast.TextBlock:
			if t := string(c.Text(src)); t != "" {
				lines = append(lines, t)
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock:
			var sb strings.Builder
			for i := 0; i < b.Lines().Len(); i++ {
				seg := b.Lines().At(i)
				sb.Write(seg.Value(src))
			}
			if s := strings.TrimSpace(sb.String()); s != "" {
				lines = append(lines, s)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(lines, "\n")
}

var slugCleaner = regexp.MustCompile(`[^a-z0-9]+`)

// slugify turns a heading into a stable fact key.
func slugify(s string) string {
	s = slugCleaner.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}
