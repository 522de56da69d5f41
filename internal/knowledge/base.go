// Package knowledge is a small in-memory help-center index used by the AI
// responder. Articles come from a Markdown file parsed with goldmark (GFM
// tables enabled): every heading starts an article, each paragraph or list
// item under it is an entry, and table body rows are flattened into one
// entry each. Code and HTML blocks are ignored.
//
// The base is immutable after construction and safe for concurrent use.
// Scoring is Jaccard similarity between the query's token set and an
// entry's token set, with a small bonus when the query hits the article
// title. Ties are broken deterministically.
package knowledge

import (
	"bytes"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"golang.org/x/text/cases"
)

// Hit is one ranked entry.
type Hit struct {
	Title   string
	Snippet string
	Score   float64
}

// Searcher is what the responder needs from a knowledge base.
type Searcher interface {
	Search(query string, k int) []Hit
}

type entry struct {
	title     string
	text      string
	tokens    map[string]struct{}
	titleToks map[string]struct{}
	runes     int
}

// Base is a parsed knowledge base.
type Base struct {
	entries   []entry
	stopwords map[string]struct{}
	minRunes  int
}

// Option customizes a Base.
type Option func(*Base)

// WithStopwords replaces the default stop-word list.
func WithStopwords(words []string) Option {
	return func(b *Base) {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			if w = fold(strings.TrimSpace(w)); w != "" {
				m[w] = struct{}{}
			}
		}
		b.stopwords = m
	}
}

// WithMinEntryRunes drops entries shorter than n runes.
func WithMinEntryRunes(n int) Option {
	return func(b *Base) {
		if n >= 0 {
			b.minRunes = n
		}
	}
}

var defaultStopwords = []string{
	"a", "an", "and", "are", "as", "at", "be", "by", "can", "do", "does", "for",
	"from", "how", "i", "in", "is", "it", "my", "of", "on", "or", "the", "to",
	"what", "when", "where", "with", "you", "your",
}

// Load reads a Markdown knowledge base from path.
func Load(path string, opts ...Option) (*Base, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(bytes.NewReader(b), opts...)
}

// Parse builds a Base from Markdown read from r.
func Parse(r io.Reader, opts ...Option) (*Base, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	base := newBase(opts)
	doc := markdownParser().Parse(text.NewReader(src))

	var title string
	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindHeading:
			title = strings.TrimSpace(inlineText(n, src))
		case ast.KindParagraph, ast.KindTextBlock:
			base.add(title, inlineText(n, src))
		case extast.KindTableRow:
			base.add(title, rowText(n, src))
		case extast.KindTableHeader, ast.KindCodeBlock, ast.KindFencedCodeBlock, ast.KindHTMLBlock:
		default:
			return ast.WalkContinue, nil
		}
		return ast.WalkSkipChildren, nil
	})
	if err != nil {
		return nil, err
	}
	return base, nil
}

var (
	mdOnce sync.Once
	mdp    parser.Parser
)

func markdownParser() parser.Parser {
	mdOnce.Do(func() {
		mdp = goldmark.New(goldmark.WithExtensions(extension.Table)).Parser()
	})
	return mdp
}

// inlineText flattens the inline content under n. Line breaks become spaces.
func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	var walk func(ast.Node)
	walk = func(n ast.Node) {
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			switch t := c.(type) {
			case *ast.Text:
				b.Write(t.Segment.Value(src))
				if t.SoftLineBreak() || t.HardLineBreak() {
					b.WriteByte(' ')
				}
			case *ast.String:
				b.Write(t.Value)
			case *ast.AutoLink:
				b.Write(t.Label(src))
			default:
				walk(c)
			}
		}
	}
	walk(n)
	return b.String()
}

// rowText joins the non-empty cells of a table row.
func rowText(row ast.Node, src []byte) string {
	var cells []string
	for c := row.FirstChild(); c != nil; c = c.NextSibling() {
		if c.Kind() != extast.KindTableCell {
			continue
		}
		if v := strings.TrimSpace(inlineText(c, src)); v != "" {
			cells = append(cells, v)
		}
	}
	return strings.Join(cells, " ")
}

// FromEntries builds a Base from (title, text) pairs.
func FromEntries(pairs [][2]string, opts ...Option) *Base {
	base := newBase(opts)
	for _, p := range pairs {
		base.add(p[0], p[1])
	}
	return base
}

func newBase(opts []Option) *Base {
	b := &Base{minRunes: 20}
	WithStopwords(defaultStopwords)(b)
	for _, o := range opts {
		o(b)
	}
	return b
}

// Len returns the number of indexed entries.
func (b *Base) Len() int { return len(b.entries) }

func (b *Base) add(title, text string) {
	text = strings.Join(strings.Fields(text), " ")
	n := utf8.RuneCountInString(text)
	if n == 0 || n < b.minRunes {
		return
	}
	toks := b.tokenize(text)
	if len(toks) == 0 {
		return
	}
	b.entries = append(b.entries, entry{
		title:     title,
		text:      text,
		tokens:    toks,
		titleToks: b.tokenize(title),
		runes:     n,
	})
}

// titleBonus is added once per query token found in the article title.
const titleBonus = 0.05

// Search returns up to k entries ranked by similarity to query. k <= 0 means 3.
func (b *Base) Search(query string, k int) []Hit {
	if b == nil || len(b.entries) == 0 {
		return nil
	}
	q := b.tokenize(query)
	if len(q) == 0 {
		return nil
	}
	if k <= 0 {
		k = 3
	}

	type scored struct {
		e     *entry
		score float64
	}
	var hits []scored
	for i := range b.entries {
		e := &b.entries[i]
		over := overlap(q, e.tokens)
		if over == 0 {
			continue
		}
		s := float64(over) / float64(len(q)+len(e.tokens)-over)
		s += titleBonus * float64(overlap(q, e.titleToks))
		if s > 1 {
			s = 1
		}
		hits = append(hits, scored{e: e, score: s})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if hits[i].e.runes != hits[j].e.runes {
			return hits[i].e.runes < hits[j].e.runes
		}
		return hits[i].e.text < hits[j].e.text
	})
	if k > len(hits) {
		k = len(hits)
	}
	out := make([]Hit, k)
	for i := 0; i < k; i++ {
		out[i] = Hit{Title: hits[i].e.title, Snippet: hits[i].e.text, Score: hits[i].score}
	}
	return out
}

var wordRE = regexp.MustCompile(`[\p{L}\p{N}]+`)

func (b *Base) tokenize(s string) map[string]struct{} {
	words := wordRE.FindAllString(fold(s), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, skip := b.stopwords[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func fold(s string) string { return cases.Fold().String(s) }

func overlap(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

