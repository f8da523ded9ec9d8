package chunker

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// heading is a markdown heading with the full path of enclosing headings.
type heading struct {
	offset int
	path   string
}

type headingInfo struct {
	level int
	text  string
}

// markdownHeadings parses src and returns every heading in document order.
func markdownHeadings(src []byte) []heading {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var stack []headingInfo
	var out []heading
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		if h.Lines().Len() == 0 {
			return ast.WalkSkipChildren, nil
		}
		for len(stack) > 0 && stack[len(stack)-1].level >= h.Level {
			stack = stack[:len(stack)-1]
		}
		stack = append(stack, headingInfo{level: h.Level, text: nodeText(h, src)})
		out = append(out, heading{offset: h.Lines().At(0).Start, path: headingPath(stack)})
		return ast.WalkSkipChildren, nil
	})
	return out
}

// headingPath renders the stack as "# A > ## B".
func headingPath(stack []headingInfo) string {
	parts := make([]string, len(stack))
	for i, h := range stack {
		parts[i] = fmt.Sprintf("%s %s", strings.Repeat("#", h.level), h.text)
	}
	return strings.Join(parts, " > ")
}

// nodeText concatenates the text descendants of n.
func nodeText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := node.(type) {
		case *ast.Text:
			b.Write(v.Segment.Value(src))
		case *ast.String:
			b.Write(v.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// headingAt returns the heading path in force at start, or failing that the
// first heading that begins inside [start, end).
func headingAt(heads []heading, start, end int) string {
	path := ""
	for _, h := range heads {
		if h.offset <= start {
			path = h.path
			continue
		}
		if path == "" && h.offset < end {
			return h.path
		}
		break
	}
	return path
}
