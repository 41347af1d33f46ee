// Package markup does the lightweight text parsing a turn needs: the
// first-turn TITLE directive and fenced code blocks in an answer.
package markup

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const titleDirective = "TITLE:"

var (
	titleRe     = regexp.MustCompile(`^TITLE:[ \t]*(\S.*?)[ \t]*\r?\n`)
	titleLineRe = regexp.MustCompile(`^TITLE:[^\n]*(\n|$)`)
)

// ExtractTitle matches a leading "TITLE: <text>" line. On a match it
// returns the title and the remaining text with leading newlines
// removed.
func ExtractTitle(s string) (title, rest string, ok bool) {
	m := titleRe.FindStringSubmatchIndex(s)
	if m == nil {
		return "", s, false
	}
	title = s[m[2]:m[3]]
	rest = strings.TrimLeft(s[m[1]:], "\r\n")
	return title, rest, true
}

// HasTitlePrefix reports whether s could still turn into a title
// directive as more text arrives: it is a prefix of "TITLE:" or starts
// with it but has not reached the end of the line.
func HasTitlePrefix(s string) bool {
	if len(s) < len(titleDirective) {
		return strings.HasPrefix(titleDirective, s)
	}
	return strings.HasPrefix(s, titleDirective) && !strings.Contains(s, "\n")
}

// StripTitle removes a leading title directive line, complete or not.
func StripTitle(s string) string {
	if _, rest, ok := ExtractTitle(s); ok {
		return rest
	}
	return strings.TrimLeft(titleLineRe.ReplaceAllString(s, ""), "\r\n")
}

// CodeBlock is one fenced code block.
type CodeBlock struct {
	Language string
	Code     string
}

// CodeBlocks returns every fenced code block in a Markdown document in
// order. A block without an info string gets language "text"; the
// trailing newline before the closing fence is dropped.
func CodeBlocks(s string) []CodeBlock {
	src := []byte(s)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var blocks []CodeBlock
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fcb, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}

		lang := string(fcb.Language(src))
		if lang == "" {
			lang = "text"
		}

		var sb strings.Builder
		lines := fcb.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			sb.Write(seg.Value(src))
		}

		code := strings.TrimSuffix(sb.String(), "\n")
		if strings.TrimSpace(code) != "" {
			blocks = append(blocks, CodeBlock{Language: lang, Code: code})
		}
		return ast.WalkSkipChildren, nil
	})
	return blocks
}
