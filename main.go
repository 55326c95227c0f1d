package main

import (
	"bufio"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pigeon/config"
	"pigeon/logging"
	"pigeon/protocol"
	"pigeon/server"
	"pigeon/store"
)

const controlSocketPath = "/tmp/pigeon.sock"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	var st store.Store
	if cfg.StorePath != "" {
		st, err = store.NewSQLiteStore(cfg.StorePath)
		if err != nil {
			logger.Fatal("failed to open store", zap.String("path", cfg.StorePath), zap.Error(err))
		}
	} else {
		st = store.NewMemoryStore()
	}
	defer st.Close()

	codec, err := protocol.NewCodec(cfg.WireFormat)
	if err != nil {
		logger.Fatal("failed to select codec", zap.Error(err))
	}

	srv := server.New(st, codec, &server.Config{
		Addr:               cfg.ListenAddr,
		ReadTimeout:        cfg.ReadTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateBurst:          cfg.RateBurst,
	}, logger)

	// Control socket for management commands.
	go startControlSocket(srv, logger)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutting down", zap.String("signal", sig.String()))
		srv.Shutdown("maintenance")
		os.Remove(controlSocketPath)
	}()

	if err := srv.Start(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func startControlSocket(srv *server.Server, logger *zap.Logger) {
	os.Remove(controlSocketPath)

	listener, err := net.Listen("unix", controlSocketPath)
	if err != nil {
		logger.Warn("failed to create control socket", zap.Error(err))
		return
	}
	defer listener.Close()
	defer os.Remove(controlSocketPath)

	logger.Info("control socket listening", zap.String("path", controlSocketPath))

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}
		go handleControlCommand(srv, conn, logger)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn, logger *zap.Logger) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.Stats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}
		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		// Give time for the response to be sent.
		time.Sleep(100 * time.Millisecond)

		logger.Info("shutdown requested", zap.String("reason", reason))
		srv.Shutdown(reason)
		os.Remove(controlSocketPath)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
