// Package app wires configuration, logging, the session, and the
// terminal front end into a runnable client.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"ten-dreams/client/internal/config"
	"ten-dreams/client/internal/session"
	"ten-dreams/client/internal/tui"
	"ten-dreams/client/logging"
	"ten-dreams/client/logging/sinks"
)

func Run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	socketURL, err := cfg.SocketURL()
	if err != nil {
		return fmt.Errorf("derive socket url: %w", err)
	}

	router := buildRouter(cfg)
	defer router.Close(context.Background())

	var sess *session.Session
	model, hooks := tui.New(tui.SubmitterFunc(func(command string) {
		if sess != nil {
			sess.Submit(command)
		}
	}))

	sess = session.New(session.Config{
		InitURL:        cfg.InitURL(),
		LogoutURL:      cfg.LogoutURL(),
		SocketURL:      socketURL,
		Token:          cfg.Token,
		ReconnectDelay: cfg.ReconnectDelay,
		InitTimeout:    cfg.InitTimeout,
		Publisher:      router,
		Hooks:          hooks,
	})

	if err := sess.Start(ctx); err != nil {
		if errors.Is(err, session.ErrUnauthorized) {
			// Login-required state: no connection attempt, no retry.
			fmt.Fprintln(os.Stderr, "尚未登录。请先在网页端完成登录，再启动客户端。")
			return nil
		}
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.Close()

	program := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("run ui: %w", err)
	}

	return sess.Logout(context.Background())
}

func buildRouter(cfg config.Config) *logging.Router {
	logCfg := logging.DefaultConfig()
	logCfg.EnabledSinks = cfg.LogSinks

	named := make([]logging.NamedSink, 0, len(logCfg.EnabledSinks))
	if logCfg.HasSink("console") {
		named = append(named, logging.NamedSink{
			Name: "console",
			Sink: sinks.NewConsoleSink(os.Stderr, logCfg.Console),
		})
	}
	return logging.NewRouter(nil, logCfg, named)
}
