package main

import (
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	server "github.com/toastsandwich/epoll-learn/static_server"
	"github.com/toastsandwich/epoll-learn/static_server/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	port := flag.Int("port", 0, "listen port (overrides config)")
	root := flag.String("root", "", "document root (overrides config)")
	flag.Parse()

	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *root != "" {
		cfg.HTTP.DocRoot = *root
	}
	if err := cfg.Validate(); err != nil {
		boot.Fatal().Err(err).Msg("invalid flags")
	}

	log := newLogger(cfg.Log)

	docRoot, err := cfg.AbsDocRoot()
	if err != nil {
		log.Fatal().Err(err).Msg("doc root")
	}

	// peers that vanish mid-write must not kill the process
	signal.Ignore(unix.SIGPIPE)

	fd, err := server.Listen(cfg.Server.Addr, cfg.Server.Port, cfg.Server.Backlog)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.ServerAddress()).Msg("listen")
	}

	s, err := server.NewHTTPServer(&server.HTTPServerOpts{
		ListenFd: fd,
		DocRoot:  docRoot,

		ReadBufferSize:  cfg.HTTP.ReadBufferSize,
		WriteBufferSize: cfg.HTTP.WriteBufferSize,
		MaxFilenameLen:  cfg.HTTP.MaxFilenameLen,

		Workers:     cfg.Server.Workers,
		MaxRequests: cfg.Server.MaxRequests,
		MaxConns:    cfg.Server.MaxConns,
		MaxEvents:   cfg.Server.MaxEvents,
		TimeSlot:    cfg.Server.TimeSlot,

		Logger: log,
	})
	if err != nil {
		unix.Close(fd)
		log.Fatal().Err(err).Msg("create server")
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, unix.SIGINT, unix.SIGTERM)
	go func() {
		sig := <-sigC
		log.Info().Stringer("signal", sig).Msg("shutting down")
		if err := s.Notify(server.SignalShutdown); err != nil {
			log.Error().Err(err).Msg("notify shutdown")
		}
	}()

	log.Info().Str("addr", cfg.ServerAddress()).Str("root", docRoot).Msg("listening")
	if err := s.Serve(); err != nil {
		log.Fatal().Err(err).Msg("serve")
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.Console {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}
