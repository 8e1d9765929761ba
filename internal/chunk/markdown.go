package chunk

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownText extracts the speakable text of a markdown document. Code
// blocks and raw HTML are dropped, links keep their label, images their alt
// text. Headings, paragraphs and list items become sentences.
func MarkdownText(markdown []byte) string {
	reader := text.NewReader(markdown)
	doc := goldmark.New().Parser().Parse(reader)

	var b strings.Builder
	walk(doc, reader.Source(), &b)
	return strings.Join(strings.Fields(b.String()), " ")
}

func walk(node ast.Node, source []byte, b *strings.Builder) {
	switch n := node.(type) {
	case *ast.CodeBlock, *ast.FencedCodeBlock, *ast.HTMLBlock, *ast.RawHTML:
		return

	case *ast.Text:
		b.Write(n.Segment.Value(source))
		if n.SoftLineBreak() || n.HardLineBreak() {
			b.WriteByte(' ')
		}
		return

	case *ast.String:
		b.Write(n.Value)
		return

	case *ast.CodeSpan:
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				b.Write(t.Segment.Value(source))
			}
		}
		return

	case *ast.AutoLink:
		b.Write(n.Label(source))
		return

	case *ast.Heading, *ast.Paragraph, *ast.ListItem:
		// A ListItem's text lives in a child TextBlock, handled below.
		walkChildren(n, source, b)
		endSentence(b)
		return

	case *ast.TextBlock:
		walkChildren(n, source, b)
		endSentence(b)
		return

	case *ast.ThematicBreak:
		endSentence(b)
		return
	}

	walkChildren(node, source, b)
}

func walkChildren(node ast.Node, source []byte, b *strings.Builder) {
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		walk(c, source, b)
	}
}

// endSentence terminates the text written so far with a period unless it
// already ends in punctuation.
func endSentence(b *strings.Builder) {
	s := strings.TrimRight(b.String(), " ")
	if s == "" {
		return
	}
	if !strings.ContainsAny(s[len(s)-1:], ".!?:;") {
		b.Reset()
		b.WriteString(s)
		b.WriteByte('.')
	}
	b.WriteByte(' ')
}
