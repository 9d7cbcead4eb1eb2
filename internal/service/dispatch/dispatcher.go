// Package dispatch coordinates one chat session: it validates and sends user
// input over the session connection, turns inbound frames into revealed
// assistant bubbles, and guarantees that at most one turn is in flight.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/reelchat/internal/markdown"
	"github.com/zhouzirui/reelchat/internal/model/chat"
	chatservice "github.com/zhouzirui/reelchat/internal/service/chat"
	"github.com/zhouzirui/reelchat/internal/service/session"
	"github.com/zhouzirui/reelchat/internal/typing"
)

const (
	MaxMessageLength      = 2000
	DefaultConnectTimeout = 5 * time.Second
	ApologyText           = "Sorry, I'm having trouble connecting. Please try again."
)

// View is the display the dispatcher writes to.
type View interface {
	// AppendBubble adds a bubble for msg. Rendered messages are shown as is;
	// an unrendered assistant message starts empty and is filled by a reveal.
	AppendBubble(msg chat.Message) typing.Bubble
	ScrollToEnd()
	SetSendEnabled(enabled bool)
}

// Config tunes the dispatcher and the connection it owns.
type Config struct {
	Session        session.Config
	ConnectTimeout time.Duration
	TypingTick     time.Duration
	CharsPerTick   int
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger shared with the connection.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithSessionID sets how the session identifier is produced.
func WithSessionID(gen session.IDGenerator) Option {
	return func(d *Dispatcher) {
		if gen != nil {
			d.idGen = gen
		}
	}
}

// WithSessionOptions forwards options to the owned connection.
func WithSessionOptions(opts ...session.Option) Option {
	return func(d *Dispatcher) {
		d.sessionOpts = append(d.sessionOpts, opts...)
	}
}

// WithTranscript stores messages in svc instead of a private store.
func WithTranscript(svc *chatservice.Service) Option {
	return func(d *Dispatcher) {
		if svc != nil {
			d.transcript = svc
		}
	}
}

// turn is one user message and the reply that answers it.
type turn struct {
	opened     chan struct{}
	openedOnce sync.Once
	ended      chan struct{}
	err        error
	sent       bool
	replied    bool
	done       bool
	sentAt     time.Time
}

func newTurn() *turn {
	return &turn{
		opened: make(chan struct{}),
		ended:  make(chan struct{}),
	}
}

type reveal struct {
	player *typing.Player
}

// Dispatcher owns the single session connection and the send guard.
type Dispatcher struct {
	cfg         Config
	view        View
	transcript  *chatservice.Service
	conn        *session.Connection
	sessionID   string
	idGen       session.IDGenerator
	sessionOpts []session.Option
	logger      *zap.Logger

	mu           sync.Mutex
	turn         *turn
	reveals      map[*reveal]struct{}
	pendingClose *string
	// apologised is set once the current connection's failure has been
	// shown, so a drop reported as both an error and a close apologises once.
	apologised bool
}

// New builds a dispatcher and its closed connection. The session identifier is
// generated once here and kept for the dispatcher's lifetime.
func New(view View, cfg Config, opts ...Option) (*Dispatcher, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.TypingTick <= 0 {
		cfg.TypingTick = typing.DefaultTick
	}
	if cfg.CharsPerTick <= 0 {
		cfg.CharsPerTick = typing.DefaultCharsPerTick
	}

	d := &Dispatcher{
		cfg:     cfg,
		view:    view,
		idGen:   session.RandomID,
		logger:  zap.NewNop(),
		reveals: make(map[*reveal]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.transcript == nil {
		d.transcript = chatservice.NewService()
	}

	created, err := d.transcript.CreateSession(context.Background(), d.idGen())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	d.sessionID = created.ID
	d.logger = d.logger.With(zap.String("component", "dispatch"), zap.String("session", d.sessionID))

	callbacks := session.Callbacks{
		OnOpen:    d.handleOpen,
		OnMessage: d.handleFrame,
		OnClose:   d.handleClose,
		OnError:   d.handleError,
	}
	d.conn = session.New(cfg.Session, callbacks, append(d.sessionOpts, session.WithLogger(d.logger))...)
	return d, nil
}

// SessionID returns the identifier embedded in the transport path.
func (d *Dispatcher) SessionID() string {
	return d.sessionID
}

// State returns the connection state.
func (d *Dispatcher) State() session.State {
	return d.conn.State()
}

// Busy reports whether a turn is in flight.
func (d *Dispatcher) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.turn != nil
}

// Transcript returns a copy of every message so far.
func (d *Dispatcher) Transcript(ctx context.Context) ([]chat.Message, error) {
	return d.transcript.LoadTranscript(ctx, d.sessionID)
}

// Open connects eagerly, e.g. when the chat panel is shown.
func (d *Dispatcher) Open() error {
	return d.conn.Open(d.sessionID)
}

// TrySend validates text and, when no other turn is in flight, sends it.
// A nil error means the frame was transmitted; the guard stays held until the
// reply has been revealed.
func (d *Dispatcher) TrySend(ctx context.Context, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmpty
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLength {
		return fmt.Errorf("%w: %d characters, limit is %d", ErrTooLong, utf8.RuneCountInString(trimmed), MaxMessageLength)
	}

	d.mu.Lock()
	if d.turn != nil {
		d.mu.Unlock()
		return ErrBusy
	}
	t := newTurn()
	d.turn = t
	d.mu.Unlock()

	d.view.SetSendEnabled(false)
	rendered := markdown.EscapeText(trimmed)
	d.appendMessage(chat.Message{Role: chat.RoleUser, RawText: trimmed, RenderedHTML: &rendered})
	d.logger.Debug("user message accepted", zap.Int("length", len(trimmed)))

	if d.conn.State() != session.StateOpen {
		if err := d.conn.Open(d.sessionID); err != nil {
			return d.failTurn(t, fmt.Errorf("%w: %w", ErrSendFailed, err))
		}
		if err := d.awaitOpen(ctx, t); err != nil {
			return err
		}
	}

	d.mu.Lock()
	if t.done {
		d.mu.Unlock()
		return t.err
	}
	t.sent = true
	t.sentAt = time.Now()
	d.mu.Unlock()

	if err := d.conn.Send(trimmed); err != nil {
		return d.failTurn(t, fmt.Errorf("%w: %w", ErrSendFailed, err))
	}
	d.logger.Debug("message sent")
	return nil
}

// awaitOpen waits for the OPEN notification, bounded by ConnectTimeout.
func (d *Dispatcher) awaitOpen(ctx context.Context, t *turn) error {
	timer := time.NewTimer(d.cfg.ConnectTimeout)
	defer timer.Stop()

	if d.conn.State() == session.StateOpen {
		return nil
	}

	select {
	case <-t.opened:
		d.logger.Debug("connection open, ready to send")
		return nil
	case <-t.ended:
		return t.err
	case <-timer.C:
		d.logger.Warn("connection timeout", zap.Duration("timeout", d.cfg.ConnectTimeout))
		return d.failTurn(t, ErrConnectTimeout)
	case <-ctx.Done():
		return d.failTurn(t, fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err()))
	}
}

// Close closes the connection. While a turn is in flight the close is deferred
// until the turn finishes so the reply is not lost.
func (d *Dispatcher) Close(reason string) error {
	d.mu.Lock()
	if d.turn != nil {
		d.pendingClose = &reason
		d.mu.Unlock()
		d.logger.Info("close deferred, message in progress")
		return nil
	}
	d.mu.Unlock()
	return d.conn.Close(reason)
}

// Shutdown drops the connection, finishes running reveals and waits for every
// background goroutine to exit.
func (d *Dispatcher) Shutdown() {
	d.conn.Shutdown()
	for _, p := range d.activePlayers() {
		p.SkipToEnd()
		p.Wait()
	}
}

func (d *Dispatcher) handleOpen() {
	d.mu.Lock()
	t := d.turn
	d.apologised = false
	d.mu.Unlock()
	if t != nil {
		t.openedOnce.Do(func() { close(t.opened) })
	}
}

// handleFrame turns one inbound frame into an assistant bubble. The first frame
// after a send answers the in-flight turn; any other frame is shown but leaves
// the guard alone.
func (d *Dispatcher) handleFrame(payload string) {
	d.mu.Lock()
	t := d.turn
	bound := t != nil && t.sent && !t.replied && !t.done
	if bound {
		t.replied = true
		d.logger.Debug("reply received", zap.Duration("response_time", time.Since(t.sentAt)), zap.Int("length", len(payload)))
	} else {
		t = nil
		d.logger.Debug("unsolicited frame", zap.Int("length", len(payload)))
	}
	d.mu.Unlock()

	msg := d.appendMessage(chat.Message{Role: chat.RoleAssistant, RawText: payload})
	bubble := d.view.AppendBubble(msg)

	// Play never completes synchronously. Registering under the lock means
	// Shutdown sees every started player.
	r := &reveal{}
	d.mu.Lock()
	r.player = typing.Play(bubble, payload,
		typing.WithTick(d.cfg.TypingTick),
		typing.WithCharsPerTick(d.cfg.CharsPerTick),
		typing.WithScroll(d.view.ScrollToEnd),
		typing.OnComplete(func(res typing.Result) {
			d.revealFinished(r, msg, t, res)
		}),
	)
	d.reveals[r] = struct{}{}
	d.mu.Unlock()
}

func (d *Dispatcher) revealFinished(r *reveal, msg chat.Message, t *turn, res typing.Result) {
	if !res.Cancelled && msg.ID != "" {
		if _, err := d.transcript.FreezeMessage(context.Background(), d.sessionID, msg.ID, msg.RawText, res.HTML); err != nil {
			d.logger.Warn("failed to freeze message", zap.Error(err))
		}
	}

	d.mu.Lock()
	delete(d.reveals, r)
	if t == nil || d.turn != t || t.done {
		d.mu.Unlock()
		return
	}
	t.done = true
	d.turn = nil
	pending := d.takePendingCloseLocked()
	d.mu.Unlock()

	d.logger.Debug("turn complete")
	d.view.SetSendEnabled(true)
	d.runPendingClose(pending)
}

func (d *Dispatcher) handleError(err error) {
	d.logger.Warn("transport error", zap.Error(err))

	d.mu.Lock()
	t := d.turn
	unanswered := t != nil && !t.replied && !t.done
	d.mu.Unlock()

	if unanswered {
		d.failTurn(t, fmt.Errorf("%w: %w", ErrTransport, err))
		return
	}
	if d.claimApology() {
		d.appendApology()
	}
	d.skipReveals()
}

func (d *Dispatcher) handleClose(code int, reason string) {
	d.logger.Info("connection closed", zap.Int("code", code), zap.String("reason", reason))

	d.mu.Lock()
	t := d.turn
	var waitingForOpen, waitingForReply bool
	if t != nil && !t.done {
		waitingForOpen = !t.sent
		waitingForReply = t.sent && !t.replied
	}
	d.mu.Unlock()

	switch {
	case waitingForOpen && code == websocket.CloseNormalClosure:
		d.failTurn(t, fmt.Errorf("%w: connection closed before open", ErrSendFailed))
	case (waitingForOpen || waitingForReply) && code != websocket.CloseNormalClosure:
		d.failTurn(t, fmt.Errorf("%w: code %d", ErrAbnormalClose, code))
	case waitingForReply:
		d.releaseTurn(t, fmt.Errorf("%w: connection closed before reply", ErrSendFailed))
	case code != websocket.CloseNormalClosure && d.claimApology():
		d.appendApology()
	}
	d.skipReveals()

	d.mu.Lock()
	d.apologised = false
	d.mu.Unlock()
}

// failTurn ends t with err and appends the apology. If t already ended, the
// error that ended it is returned and nothing else happens.
func (d *Dispatcher) failTurn(t *turn, err error) error {
	if !d.endTurn(t, err) {
		return t.err
	}
	d.logger.Warn("message failed", zap.Error(err))
	d.mu.Lock()
	d.apologised = true
	d.mu.Unlock()
	d.appendApology()
	d.view.SetSendEnabled(true)
	d.runPendingClose(d.takePendingClose())
	return err
}

// releaseTurn ends t without an apology.
func (d *Dispatcher) releaseTurn(t *turn, err error) {
	if !d.endTurn(t, err) {
		return
	}
	d.view.SetSendEnabled(true)
	d.runPendingClose(d.takePendingClose())
}

func (d *Dispatcher) endTurn(t *turn, err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.err = err
	close(t.ended)
	if d.turn == t {
		d.turn = nil
	}
	return true
}

func (d *Dispatcher) takePendingClose() *string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.takePendingCloseLocked()
}

func (d *Dispatcher) takePendingCloseLocked() *string {
	reason := d.pendingClose
	d.pendingClose = nil
	return reason
}

func (d *Dispatcher) runPendingClose(reason *string) {
	if reason == nil {
		return
	}
	if err := d.conn.Close(*reason); err != nil {
		d.logger.Warn("deferred close failed", zap.Error(err))
	}
}

// claimApology reports whether the current connection has not apologised yet
// and marks it as having done so.
func (d *Dispatcher) claimApology() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.apologised {
		return false
	}
	d.apologised = true
	return true
}

func (d *Dispatcher) appendApology() {
	rendered := markdown.Render(ApologyText)
	msg := d.appendMessage(chat.Message{Role: chat.RoleAssistant, RawText: ApologyText, RenderedHTML: &rendered})
	d.view.AppendBubble(msg)
	d.view.ScrollToEnd()
}

func (d *Dispatcher) appendMessage(msg chat.Message) chat.Message {
	msg.SessionID = d.sessionID
	saved, err := d.transcript.SaveMessage(context.Background(), msg)
	if err != nil {
		d.logger.Warn("failed to store message", zap.Error(err))
		return msg
	}
	if msg.Role == chat.RoleUser {
		d.view.AppendBubble(saved)
		d.view.ScrollToEnd()
	}
	return saved
}

func (d *Dispatcher) activePlayers() []*typing.Player {
	d.mu.Lock()
	defer d.mu.Unlock()
	players := make([]*typing.Player, 0, len(d.reveals))
	for r := range d.reveals {
		if r.player != nil {
			players = append(players, r.player)
		}
	}
	return players
}

// skipReveals renders every running reveal immediately.
func (d *Dispatcher) skipReveals() {
	for _, p := range d.activePlayers() {
		p.SkipToEnd()
	}
}
