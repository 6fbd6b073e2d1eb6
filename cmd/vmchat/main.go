// vmchat is a minimal terminal frontend for the VeteranMeet messaging
// client. It is a development aid: it polls the configured backend, logs
// conversation and presence changes, and exercises notification cues
// through log-based sinks.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/veteranmeet/messenger"
	"github.com/veteranmeet/messenger/internal/apitest"
	"github.com/veteranmeet/messenger/notify"
)

func main() {
	local := flag.Bool("local", false, "run against an in-process fake backend")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))

	config, err := messenger.LoadConfig()
	if err != nil {
		logger.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *local {
		addr, shutdown, err := startLocalBackend()
		if err != nil {
			logger.Error("start local backend", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer shutdown()
		config.BaseURL = "http://" + addr
		config.Token = localToken()
		logger.Info("local backend running", slog.String("addr", addr))
	}

	prefs, err := notify.LoadPrefs(config.PrefsFile)
	if err != nil {
		logger.Error("load notification prefs", slog.String("error", err.Error()))
		os.Exit(1)
	}
	notifier := notify.NewDispatcher(prefs,
		notify.WithLogger(logger),
		notify.WithTitleSink(titleSink{logger}),
		notify.WithSoundSink(soundSink{logger}),
		notify.WithDesktopSink(desktopSink{logger}))

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := messenger.New(ctx, config,
		messenger.WithLogger(logger),
		messenger.WithNotifier(notifier))
	if err != nil {
		logger.Error("create client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	client.Store().OnChange(func() {
		rooms := client.Store().Rooms()
		logger.Info("conversations updated",
			slog.Int("rooms", len(rooms)),
			slog.Int("unread", client.Store().TotalUnread()))
	})
	client.Presence().OnChange(func() {
		logger.Info("presence updated",
			slog.Any("online", client.Presence().Online()))
	})

	client.Start()
	<-ctx.Done()

	logoutCtx, logoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer logoutCancel()
	client.Logout(logoutCtx)
}

func startLocalBackend() (addr string, shutdown func(), err error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	server := &http.Server{Handler: apitest.New()}
	go server.Serve(listener)
	return listener.Addr().String(), func() { server.Close() }, nil
}

// localToken mints a throwaway session token for the fake backend, which
// decodes claims without verifying the signature.
func localToken() string {
	claims := jwt.MapClaims{
		"username": "demo",
		"user_id":  "demo-user",
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte("local"))
	return token
}

type titleSink struct{ logger *slog.Logger }

func (s titleSink) SetUnread(n int) {
	s.logger.Info("title badge", slog.Int("unread", n))
}

type soundSink struct{ logger *slog.Logger }

func (s soundSink) Play() error {
	s.logger.Info("notification sound")
	return nil
}

type desktopSink struct{ logger *slog.Logger }

func (s desktopSink) RequestPermission() (bool, error) {
	return true, nil
}

func (s desktopSink) Notify(body string) error {
	s.logger.Info("desktop notification", slog.String("body", body))
	return nil
}
