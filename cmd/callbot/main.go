// Command callbot joins as a user and answers every incoming call.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"zvonok/internal/logging"
)

func main() {
	connectURL := flag.String("url", os.Getenv("CALLBOT_URL"), "websocket URL including ?token=")
	hangup := flag.Duration("hangup", 30*time.Second, "hang up answered calls after this long (0 waits for the caller)")
	ice := flag.String("ice", "stun:stun.l.google.com:19302", "comma separated ICE server URLs")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := logging.New("callbot", *logLevel, "text")

	if *connectURL == "" {
		logger.Error("missing -url")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *connectURL, nil)
	if err != nil {
		logger.Error("failed to connect", logging.Err(err))
		os.Exit(1)
	}

	var iceServers []string
	if *ice != "" {
		iceServers = strings.Split(*ice, ",")
	}

	bot := NewBot(conn, BotConfig{
		ICEServers:  iceServers,
		HangupAfter: *hangup,
		Logger:      logger,
	})
	logger.Info("waiting for calls")
	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bot stopped", logging.Err(err))
		os.Exit(1)
	}
}
