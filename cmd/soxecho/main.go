// Command soxecho is a WebSocket echo server. Text messages are answered
// with "<connection id> sent <message>", binary messages are sent back as
// is.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/danielfoord/sox/internal/logging"
	"github.com/danielfoord/sox/server"
)

var (
	configPath = flag.String("config", "", "path to YAML config file")
	listen     = flag.String("listen", "", "host:port to listen on; overrides config")
	logLevel   = flag.String("log-level", "", "log level; overrides config")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if err = cfg.override(*listen, *logLevel); err != nil {
		return err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	s, err := server.New(cfg.Server, echoHandlers(), server.WithLogger(log))
	if err != nil {
		return err
	}
	if err = s.Start(); err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr(), err)
	}
	log.Info("echo server started", zap.String("url", s.Scheme()+"://"+s.Addr().String()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, os.Interrupt)

	log.Info("shutting down", zap.Stringer("signal", <-sig))
	return s.Stop()
}

func echoHandlers() server.Handlers {
	return server.Handlers{
		OnText: func(c *server.Conn, msg string) {
			if err := c.SendText(c.ID().String() + " sent " + msg); err != nil {
				logging.FromContext(c.Context()).Debug("echo failed", zap.Error(err))
			}
		},
		OnBinary: func(c *server.Conn, msg []byte) {
			if err := c.SendBinary(msg); err != nil {
				logging.FromContext(c.Context()).Debug("echo failed", zap.Error(err))
			}
		},
		OnError: func(c *server.Conn, err error) {
			logging.FromContext(c.Context()).Warn("connection error", zap.Error(err))
		},
	}
}
