package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zhouzirui/reelchat/internal/config"
	"github.com/zhouzirui/reelchat/internal/logging"
	"github.com/zhouzirui/reelchat/internal/service/dispatch"
	"github.com/zhouzirui/reelchat/internal/service/session"
	"github.com/zhouzirui/reelchat/internal/terminal"
)

const quitCommand = "/quit"

var (
	wsURL          string
	sessionID      string
	connectTimeout time.Duration
	typingTick     time.Duration
	charsPerTick   int
	debug          bool
	pretty         bool
	markdownStyle  string
	wordWrap       int
	drainTimeout   time.Duration
)

// rootCmd represents the chat client
var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant backend from the terminal",
	Long: `Connects to the chat backend over a websocket and sends each input line
as one message. Replies are typed out character by character and then shown
rendered.

Settings come from the environment (CHAT_WS_URL, CHAT_SESSION_ID,
CHAT_CONNECT_TIMEOUT_MS, CHAT_TYPING_TICK_MS, CHAT_TYPING_CHARS_PER_TICK,
CHAT_DEBUG) or a .env file; flags override them. Type /quit to leave.`,
	SilenceUsage: true,
	RunE:         runChat,
}

func init() {
	rootCmd.Flags().StringVar(&wsURL, "url", "", "websocket base URL (default from CHAT_WS_URL)")
	rootCmd.Flags().StringVar(&sessionID, "session", "", "session id (default: random per run)")
	rootCmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 0, "how long a send waits for the connection to open")
	rootCmd.Flags().DurationVar(&typingTick, "tick", 0, "delay between revealed characters")
	rootCmd.Flags().IntVar(&charsPerTick, "chars-per-tick", 0, "characters revealed per tick")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&pretty, "pretty", true, "show finished replies as styled markdown instead of HTML")
	rootCmd.Flags().StringVar(&markdownStyle, "style", "", "glamour style (default: detect from terminal)")
	rootCmd.Flags().IntVar(&wordWrap, "width", 80, "word wrap width for styled replies")
	rootCmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "how long to wait for an in-flight reply on exit")
}

// clientConfig merges environment configuration with explicitly set flags.
func clientConfig(cmd *cobra.Command) (config.ClientConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.ClientConfig{}, err
	}
	client := cfg.Client

	flags := cmd.Flags()
	if flags.Changed("url") {
		client.URL = wsURL
	}
	if flags.Changed("session") {
		client.SessionID = strings.TrimSpace(sessionID)
	}
	if flags.Changed("connect-timeout") {
		client.ConnectTimeout = connectTimeout
	}
	if flags.Changed("tick") {
		client.TypingTick = typingTick
	}
	if flags.Changed("chars-per-tick") {
		client.CharsPerTick = charsPerTick
	}
	if flags.Changed("debug") {
		client.Debug = debug
	}
	return client, nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	envErr := godotenv.Load()

	client, err := clientConfig(cmd)
	if err != nil {
		return err
	}

	level := zapcore.WarnLevel
	if client.Debug {
		level = zapcore.DebugLevel
	}
	logger, err := logging.NewLevel(level)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if envErr != nil {
		logger.Debug("no .env file loaded", zap.Error(envErr))
	}

	var viewOpts []terminal.Option
	if pretty {
		viewOpts = append(viewOpts, terminal.WithMarkdown(markdownStyle, wordWrap))
	}
	view, err := terminal.New(cmd.OutOrStdout(), viewOpts...)
	if err != nil {
		return err
	}

	idGen := session.RandomID
	if client.SessionID != "" {
		idGen = session.StaticID(client.SessionID)
	}

	sessionCfg := session.DefaultConfig()
	sessionCfg.BaseURL = client.URL

	d, err := dispatch.New(view, dispatch.Config{
		Session:        sessionCfg,
		ConnectTimeout: client.ConnectTimeout,
		TypingTick:     client.TypingTick,
		CharsPerTick:   client.CharsPerTick,
	}, dispatch.WithLogger(logger), dispatch.WithSessionID(idGen))
	if err != nil {
		return err
	}
	defer d.Shutdown()

	logger.Debug("chat client starting", zap.String("url", client.URL), zap.String("session", d.SessionID()))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Open(); err != nil {
		logger.Warn("initial connect failed", zap.Error(err))
	}

	view.Prompt()
	readInput(ctx, cmd.InOrStdin(), d, view, logger)

	drain(ctx, d, drainTimeout)
	if err := d.Close("client exit"); err != nil {
		logger.Debug("close failed", zap.Error(err))
	}
	return nil
}

// readInput sends each line until EOF, /quit or cancellation.
func readInput(ctx context.Context, in io.Reader, d *dispatch.Dispatcher, view *terminal.View, logger *zap.Logger) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == quitCommand {
				return
			}
			handleSendError(d.TrySend(ctx, line), view, logger)
		}
	}
}

func handleSendError(err error, view *terminal.View, logger *zap.Logger) {
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrEmpty):
		view.Prompt()
	case errors.Is(err, dispatch.ErrTooLong):
		view.Notice(fmt.Sprintf("Message too long. Please keep it under %d characters.", dispatch.MaxMessageLength))
		view.Prompt()
	case errors.Is(err, dispatch.ErrBusy):
		view.Notice("Please wait for the current reply.")
	default:
		// The apology is already in the transcript.
		logger.Debug("send failed", zap.Error(err))
	}
}

// drain waits for the in-flight reply, polling like the widget's send loop.
func drain(ctx context.Context, d *dispatch.Dispatcher, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for d.Busy() {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}
