// Package terminal renders a chat transcript on a line-oriented terminal.
package terminal

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"

	"github.com/zhouzirui/reelchat/internal/model/chat"
	"github.com/zhouzirui/reelchat/internal/typing"
)

const (
	userPrefix      = "you> "
	assistantPrefix = "bot> "
)

// Option configures a View.
type Option func(*View) error

// WithMarkdown shows finished replies through glamour instead of raw HTML.
// An empty style picks one from the terminal background.
func WithMarkdown(style string, wordWrap int) Option {
	return func(v *View) error {
		opts := []glamour.TermRendererOption{glamour.WithWordWrap(wordWrap)}
		if style == "" {
			opts = append(opts, glamour.WithAutoStyle())
		} else {
			opts = append(opts, glamour.WithStylePath(style))
		}
		renderer, err := glamour.NewTermRenderer(opts...)
		if err != nil {
			return fmt.Errorf("create markdown renderer: %w", err)
		}
		v.renderer = renderer
		return nil
	}
}

// View writes bubbles to out. Reveals stream as plain text; the final
// rendering replaces nothing on screen and is printed below the stream.
type View struct {
	mu       sync.Mutex
	out      io.Writer
	renderer *glamour.TermRenderer
	prompt   bool
}

// New creates a View.
func New(out io.Writer, opts ...Option) (*View, error) {
	v := &View{out: out}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// AppendBubble prints the start of a bubble for msg.
func (v *View) AppendBubble(msg chat.Message) typing.Bubble {
	b := &bubble{view: v, raw: msg.RawText}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.clearPromptLocked()

	switch {
	case msg.Role == chat.RoleUser:
		fmt.Fprintf(v.out, "%s%s\n", userPrefix, msg.RawText)
		b.closed = true
	case msg.Rendered():
		fmt.Fprintf(v.out, "%s%s\n", assistantPrefix, v.displayLocked(msg.RawText, msg.HTML()))
		b.closed = true
	default:
		fmt.Fprint(v.out, assistantPrefix)
	}
	return b
}

// ScrollToEnd is a no-op: output always ends at the newest line.
func (v *View) ScrollToEnd() {}

// SetSendEnabled prints the input prompt when sending becomes possible.
func (v *View) SetSendEnabled(enabled bool) {
	if !enabled {
		return
	}
	v.Prompt()
}

// Prompt prints the input prompt unless it is already showing.
func (v *View) Prompt() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.prompt {
		return
	}
	fmt.Fprint(v.out, "> ")
	v.prompt = true
}

// Notice prints local feedback that is not part of the transcript.
func (v *View) Notice(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clearPromptLocked()
	fmt.Fprintf(v.out, "! %s\n", text)
}

func (v *View) clearPromptLocked() {
	if v.prompt {
		fmt.Fprint(v.out, "\n")
		v.prompt = false
	}
}

func (v *View) displayLocked(raw, html string) string {
	if v.renderer == nil {
		return html
	}
	rendered, err := v.renderer.Render(raw)
	if err != nil {
		return html
	}
	return strings.TrimSpace(rendered)
}

type bubble struct {
	view   *View
	raw    string
	shown  int
	closed bool
}

// SetText prints only the part of text not shown yet.
func (b *bubble) SetText(text string) {
	v := b.view
	v.mu.Lock()
	defer v.mu.Unlock()
	if b.closed || len(text) <= b.shown {
		return
	}
	fmt.Fprint(v.out, text[b.shown:])
	b.shown = len(text)
}

// SetHTML ends the streamed line and prints the final rendering.
func (b *bubble) SetHTML(html string) {
	v := b.view
	v.mu.Lock()
	defer v.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	fmt.Fprintf(v.out, "\n%s\n", v.displayLocked(b.raw, html))
}
