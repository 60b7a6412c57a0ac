package stage

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/ashureev/draftsmith/internal/domain"
)

var markdown = goldmark.New()

// sectionsFromMarkdown splits model prose into sections at level-2 headings. Text
// before the first heading is discarded.
func sectionsFromMarkdown(src string) []domain.DocumentSection {
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	type heading struct {
		title     string
		lineStart int
		bodyStart int
	}
	var headings []heading

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Level != 2 || h.Lines().Len() == 0 {
			continue
		}
		var title bytes.Buffer
		lines := h.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			title.Write(seg.Value(source))
		}
		first := lines.At(0)
		last := lines.At(lines.Len() - 1)

		lineStart := bytes.LastIndexByte(source[:first.Start], '\n') + 1
		bodyStart := endOfLine(source, last.Start)
		if !bytes.HasPrefix(bytes.TrimLeft(source[lineStart:], " "), []byte("#")) {
			// setext heading: skip the underline
			bodyStart = endOfLine(source, bodyStart)
		}
		headings = append(headings, heading{
			title:     strings.TrimSpace(title.String()),
			lineStart: lineStart,
			bodyStart: bodyStart,
		})
	}

	out := make([]domain.DocumentSection, 0, len(headings))
	for i, h := range headings {
		end := len(source)
		if i+1 < len(headings) {
			end = headings[i+1].lineStart
		}
		body := ""
		if h.bodyStart < end {
			body = strings.TrimSpace(string(source[h.bodyStart:end]))
		}
		out = append(out, domain.DocumentSection{Title: h.title, Content: body})
	}
	return out
}

// endOfLine returns the offset just past the newline that ends the line containing pos.
func endOfLine(src []byte, pos int) int {
	if pos >= len(src) {
		return len(src)
	}
	if nl := bytes.IndexByte(src[pos:], '\n'); nl >= 0 {
		return pos + nl + 1
	}
	return len(src)
}
