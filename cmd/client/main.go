package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/config"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/wsclient"
)

// Reads lines from stdin:
//
//	<receiverId> <text>   send a chat message
//	/ping                 ping the server
//	/status <text>        update the presence status
//	/quit                 disconnect and exit
func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	if cfg.Client.Token == "" || cfg.Client.UserID == "" {
		logger.Fatal().Msg("client.token and client.user_id are required")
	}

	var policy wsclient.ReconnectPolicy = wsclient.FixedDelay(cfg.Client.ReconnectDelay)
	if cfg.Client.ReconnectBackoff {
		policy = wsclient.ExponentialBackoff{
			Base:   cfg.Client.ReconnectDelay,
			Max:    cfg.Client.MaxReconnectDelay,
			Jitter: 0.3,
		}
	}

	client := wsclient.New(wsclient.Config{
		URL:       cfg.Client.URL,
		Token:     cfg.Client.Token,
		UserID:    cfg.Client.UserID,
		Heartbeat: cfg.Client.Heartbeat,
		Reconnect: policy,
	})
	client.AddListener(wsclient.ListenerFuncs{
		Message: func(m *wsclient.Message) {
			logger.Info().
				Str(pkglog.FieldDestination, m.Destination).
				RawJSON("body", m.Body).
				Msg("message")
		},
		StateChange: func(from, to wsclient.State) {
			logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("state changed")
		},
		Error: func(err error) {
			logger.Warn().Err(err).Msg("client error")
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial connect failed, retrying in background")
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				break loop
			}
			if err := handleLine(client, cfg.Client.UserID, line); err != nil {
				logger.Warn().Err(err).Msg("send failed")
			}
		}
	}

	if err := client.Disconnect(); err != nil {
		logger.Warn().Err(err).Msg("disconnect")
	}
	logger.Info().Msg("client stopped")
}

func handleLine(c *wsclient.Client, userID, line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == "/ping":
		return c.SendJSON("/app/ping", map[string]any{})
	case strings.HasPrefix(line, "/status "):
		return c.SendJSON("/app/status.update", map[string]any{
			"userId":   userID,
			"isOnline": true,
			"status":   strings.TrimPrefix(line, "/status "),
		})
	}

	receiver, content, found := strings.Cut(line, " ")
	if !found {
		return nil
	}
	return c.SendJSON("/app/message.send", map[string]any{
		"senderId":    userID,
		"receiverId":  receiver,
		"content":     content,
		"messageType": "TEXT",
	})
}
