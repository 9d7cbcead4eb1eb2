// Package typing animates an already received assistant reply into a bubble,
// one rune at a time, and freezes the bubble with the rendered markup once the
// whole text is visible.
package typing

import (
	"sync"
	"time"

	"github.com/zhouzirui/reelchat/internal/markdown"
)

const (
	DefaultTick         = 6 * time.Millisecond
	DefaultCharsPerTick = 1
)

// Bubble is the display surface a reveal writes into.
type Bubble interface {
	// SetText replaces the bubble content with plain, unrendered text.
	SetText(text string)
	// SetHTML replaces the bubble content with rendered markup.
	SetHTML(html string)
}

// Result is handed to the completion callback exactly once.
type Result struct {
	HTML      string
	Cancelled bool
}

// Option customises a Player.
type Option func(*Player)

// WithTick sets the reveal interval.
func WithTick(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.tick = d
		}
	}
}

// WithCharsPerTick sets how many runes appear per tick.
func WithCharsPerTick(n int) Option {
	return func(p *Player) {
		if n > 0 {
			p.charsPerTick = n
		}
	}
}

// WithScroll registers the hook that keeps the transcript scrolled to the end.
func WithScroll(fn func()) Option {
	return func(p *Player) {
		p.onScroll = fn
	}
}

// OnComplete registers the completion callback.
func OnComplete(fn func(Result)) Option {
	return func(p *Player) {
		p.onComplete = fn
	}
}

// Player drives one reveal. It is created per inbound message and is done after completion.
type Player struct {
	bubble       Bubble
	text         []rune
	tick         time.Duration
	charsPerTick int
	onScroll     func()
	onComplete   func(Result)

	mu       sync.Mutex
	revealed int
	finished bool
	stop     chan struct{}
	done     chan struct{}
}

// Play clears the bubble and starts revealing text into it.
func Play(bubble Bubble, text string, opts ...Option) *Player {
	p := &Player{
		bubble:       bubble,
		text:         []rune(text),
		tick:         DefaultTick,
		charsPerTick: DefaultCharsPerTick,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.bubble.SetText("")
	go p.run()
	return p
}

func (p *Player) run() {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if !p.advance() {
				p.finish(true)
				return
			}
		}
	}
}

// advance reveals the next chunk and reports whether anything was left to reveal.
func (p *Player) advance() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished {
		return true
	}
	if p.revealed >= len(p.text) {
		return false
	}

	p.revealed += p.charsPerTick
	if p.revealed > len(p.text) {
		p.revealed = len(p.text)
	}
	p.bubble.SetText(string(p.text[:p.revealed]))
	p.scroll()
	return true
}

// finish freezes the bubble (or leaves it as is when render is false), stops the
// ticker goroutine and fires the completion callback. Only the first call has effect.
func (p *Player) finish(render bool) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	close(p.stop)

	result := Result{Cancelled: !render}
	if render {
		p.revealed = len(p.text)
		result.HTML = markdown.Render(markdown.Normalize(string(p.text)))
		p.bubble.SetHTML(result.HTML)
		p.scroll()
	}
	p.mu.Unlock()

	if p.onComplete != nil {
		p.onComplete(result)
	}
	close(p.done)
}

func (p *Player) scroll() {
	if p.onScroll != nil {
		p.onScroll()
	}
}

// SkipToEnd stops the timer and renders the full text immediately.
func (p *Player) SkipToEnd() {
	p.finish(true)
}

// Cancel stops the timer and leaves the bubble with whatever was revealed so far.
func (p *Player) Cancel() {
	p.finish(false)
}

// Revealed returns the number of runes shown so far.
func (p *Player) Revealed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revealed
}

// Done is closed after the completion callback has returned.
func (p *Player) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the reveal has finished.
func (p *Player) Wait() {
	<-p.done
}
