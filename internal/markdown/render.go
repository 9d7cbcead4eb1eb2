// Package markdown renders the small markdown dialect spoken by the chat backend:
// headings, flat ordered/unordered lists, bold, italics and paragraphs.
// Anything else is emitted as escaped literal text.
package markdown

import (
	"regexp"
	"strconv"
	"strings"
)

type lineKind int

const (
	kindBlank lineKind = iota
	kindPlain
	kindHeading
	kindOrdered
	kindUnordered
)

type line struct {
	kind  lineKind
	level int
	text  string
}

var (
	headingLine   = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	orderedLine   = regexp.MustCompile(`^\d+\.\s+(.+)$`)
	unorderedLine = regexp.MustCompile(`^[-*]\s+(.+)$`)

	strongSpan = regexp.MustCompile(`\*\*(.+?)\*\*`)
	emSpan     = regexp.MustCompile(`\*(.+?)\*`)

	htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
)

// Render converts text to HTML. It is deterministic and has no side effects.
func Render(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := classify(Normalize(text))

	var b strings.Builder
	for i := 0; i < len(lines); {
		switch lines[i].kind {
		case kindBlank:
			i++
		case kindHeading:
			writeHeading(&b, lines[i])
			i++
		case kindOrdered, kindUnordered:
			i = writeList(&b, lines, i)
		default:
			i = writeParagraph(&b, lines, i)
		}
	}
	return b.String()
}

// EscapeText renders user input as literal text.
func EscapeText(text string) string {
	return htmlEscaper.Replace(strings.TrimSpace(text))
}

// classify is the first pass: every line gets exactly one kind.
// Ordered items are checked before unordered ones so a numbered run can never
// be claimed by the bullet pattern.
func classify(text string) []line {
	raw := strings.Split(text, "\n")
	lines := make([]line, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			lines = append(lines, line{kind: kindBlank})
			continue
		}
		if m := headingLine.FindStringSubmatch(r); m != nil {
			lines = append(lines, line{kind: kindHeading, level: len(m[1]), text: m[2]})
			continue
		}
		if m := orderedLine.FindStringSubmatch(r); m != nil {
			lines = append(lines, line{kind: kindOrdered, text: m[1]})
			continue
		}
		if m := unorderedLine.FindStringSubmatch(r); m != nil {
			lines = append(lines, line{kind: kindUnordered, text: m[1]})
			continue
		}
		lines = append(lines, line{kind: kindPlain, text: r})
	}
	return lines
}

func writeHeading(b *strings.Builder, l line) {
	level := strconv.Itoa(l.level)
	b.WriteString("<h" + level + ">")
	b.WriteString(inline(strings.TrimSpace(l.text)))
	b.WriteString("</h" + level + ">")
}

// writeList emits one list block for the run starting at lines[start] and returns
// the index of the first line after it. Blank lines between items of the same
// kind do not end the run.
func writeList(b *strings.Builder, lines []line, start int) int {
	kind := lines[start].kind
	tag := "ul"
	if kind == kindOrdered {
		tag = "ol"
	}

	b.WriteString("<" + tag + ">")
	i := start
	for i < len(lines) {
		if lines[i].kind == kind {
			b.WriteString("<li>")
			b.WriteString(inline(strings.TrimSpace(lines[i].text)))
			b.WriteString("</li>")
			i++
			continue
		}
		if lines[i].kind != kindBlank {
			break
		}
		next := i
		for next < len(lines) && lines[next].kind == kindBlank {
			next++
		}
		if next == len(lines) || lines[next].kind != kind {
			break
		}
		i = next
	}
	b.WriteString("</" + tag + ">")
	return i
}

func writeParagraph(b *strings.Builder, lines []line, start int) int {
	i := start
	parts := make([]string, 0, 4)
	for i < len(lines) && lines[i].kind == kindPlain {
		parts = append(parts, lines[i].text)
		i++
	}

	content := strings.TrimSpace(strings.Join(parts, "\n"))
	if content != "" {
		b.WriteString("<p>")
		b.WriteString(inline(content))
		b.WriteString("</p>")
	}
	return i
}

func inline(text string) string {
	text = htmlEscaper.Replace(text)
	text = strongSpan.ReplaceAllString(text, "<strong>${1}</strong>")
	text = emSpan.ReplaceAllString(text, "<em>${1}</em>")
	return text
}
