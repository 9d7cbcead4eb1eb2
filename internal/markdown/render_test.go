package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "heading then text", input: "## Title\nSome text.", want: "<h2>Title</h2><p>Some text.</p>"},
		{name: "glued sentences", input: "Done.Next step", want: "<p>Done.</p><p>Next step</p>"},
		{name: "bullet list", input: "- one\n- two", want: "<ul><li>one</li><li>two</li></ul>"},
		{name: "bold reply", input: "**ok**", want: "<p><strong>ok</strong></p>"},
		{name: "ordered list", input: "1. a\n2. b", want: "<ol><li>a</li><li>b</li></ol>"},
		{name: "glued numbered items stay one list", input: "Top picks\n1. apples2. pears", want: "<p>Top picks</p><ol><li>apples</li><li>pears</li></ol>"},
		{name: "heading levels", input: "# A\n## B\n###### F", want: "<h1>A</h1><h2>B</h2><h6>F</h6>"},
		{name: "seven hashes is text", input: "####### seven", want: "<p>####### seven</p>"},
		{name: "ordered then bullets", input: "1. a\n- b", want: "<ol><li>a</li></ol><ul><li>b</li></ul>"},
		{name: "emphasis", input: "*a* and **b**", want: "<p><em>a</em> and <strong>b</strong></p>"},
		{name: "shortest emphasis wins", input: "*x* y *z*", want: "<p><em>x</em> y <em>z</em></p>"},
		{name: "bold inside list item", input: "* **Dune** (2021)", want: "<ul><li><strong>Dune</strong> (2021)</li></ul>"},
		{name: "html is escaped", input: "a <b> & c", want: "<p>a &lt;b&gt; &amp; c</p>"},
		{name: "links pass through", input: "[link](http://x)", want: "<p>[link](http://x)</p>"},
		{name: "code spans pass through", input: "run `go test`", want: "<p>run `go test`</p>"},
		{name: "glued heading", input: "intro text## Next", want: "<p>intro text</p><h2>Next</h2>"},
		{name: "list then paragraph", input: "1. a\n\nText", want: "<ol><li>a</li></ol><p>Text</p>"},
		{name: "crlf", input: "- a\r\n- b", want: "<ul><li>a</li><li>b</li></ul>"},
		{name: "multi-line paragraph", input: "first line\nsecond line", want: "<p>first line\nsecond line</p>"},
		{name: "empty", input: "", want: ""},
		{name: "whitespace only", input: "  \n\n ", want: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Render(tc.input))
		})
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	input := "# Picks\nHere are some.1. Alien2. Heat\n- *cult* classic\n**Enjoy!**"
	first := Render(input)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Render(input))
	}
}

func TestRenderOfNormalizedInputIsStable(t *testing.T) {
	inputs := []string{
		"Done.Next step",
		"see below## Plan\n1. one2. two",
		"## Title\nSome text.",
	}
	for _, input := range inputs {
		assert.Equal(t, Render(input), Render(Normalize(input)), input)
	}
}

func TestEscapeText(t *testing.T) {
	assert.Equal(t, "&lt;hi&gt; **not bold**", EscapeText("  <hi> **not bold**  "))
}
