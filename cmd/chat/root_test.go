package main

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/reelchat/internal/handler"
	"github.com/zhouzirui/reelchat/internal/service/ai"
	chatservice "github.com/zhouzirui/reelchat/internal/service/chat"
)

func TestClientConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("CHAT_WS_URL", "ws://env/chat")
	t.Setenv("CHAT_TYPING_TICK_MS", "9")

	require.NoError(t, rootCmd.ParseFlags([]string{"--url", "ws://flag/chat", "--chars-per-tick", "4"}))
	t.Cleanup(func() {
		for _, name := range []string{"url", "chars-per-tick"} {
			rootCmd.Flags().Lookup(name).Changed = false
		}
	})

	client, err := clientConfig(rootCmd)
	require.NoError(t, err)
	assert.Equal(t, "ws://flag/chat", client.URL)
	assert.Equal(t, 4, client.CharsPerTick)
	assert.Equal(t, 9*time.Millisecond, client.TypingTick)
}

func TestRunChatAgainstBackend(t *testing.T) {
	srv := httptest.NewServer(handler.NewRouter(chatservice.NewService(), ai.Echo{}, nil))
	defer srv.Close()

	var out bytes.Buffer
	rootCmd.SetIn(strings.NewReader("hi\n   \n"))
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{
		"--url", "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat",
		"--session", "cli-test",
		"--tick", "1ms",
		"--pretty=false",
	})
	t.Cleanup(func() {
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())

	got := out.String()
	assert.Contains(t, got, "you> hi\n")
	assert.Contains(t, got, "<h2>Echo</h2><p>You said: <strong>hi</strong></p><p>Messages so far: 1</p>")
	assert.Equal(t, 1, strings.Count(got, "you> "))
}
