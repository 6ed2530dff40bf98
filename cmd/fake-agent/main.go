// ABOUTME: Fake agent host for E2E testing: serves simulated processes over gRPC and WebSocket.
// ABOUTME: Usage: fake-agent [-grpc localhost:27042] [-ws localhost:27043] [-pids 1,1234]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"

	"github.com/2389/coven-probe/internal/agenthost"
	"github.com/2389/coven-probe/internal/transport"
)

func main() {
	grpcAddr := flag.String("grpc", "localhost:27042", "gRPC listen address (empty to disable)")
	wsAddr := flag.String("ws", "", "WebSocket listen address, served at /channel (empty to disable)")
	pids := flag.String("pids", "0,1", "comma-separated attachable pids")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	if err := run(*grpcAddr, *wsAddr, *pids, *debug); err != nil {
		log.Fatal(err)
	}
}

func parsePIDs(s string) (map[int64]string, error) {
	procs := make(map[int64]string)
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		pid, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid pid %q", field)
		}
		procs[pid] = fmt.Sprintf("proc-%d", pid)
	}
	return procs, nil
}

func run(grpcAddr, wsAddr, pidList string, debug bool) error {
	if grpcAddr == "" && wsAddr == "" {
		return errors.New("nothing to serve: set -grpc or -ws")
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	procs, err := parsePIDs(pidList)
	if err != nil {
		return err
	}
	host := agenthost.New(agenthost.Options{Processes: procs, Logger: logger})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	errc := make(chan error, 2)

	if grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", grpcAddr, err)
		}
		srv := grpc.NewServer()
		transport.RegisterAgentChannelServer(srv, transport.NewGRPCServer(host.Serve))
		go func() { errc <- srv.Serve(lis) }()
		defer srv.Stop()
		fmt.Fprintf(os.Stderr, "gRPC agent host on %s\n", lis.Addr())
	}

	if wsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/channel", transport.WebSocketHandler(host.Serve, logger))
		srv := &http.Server{Addr: wsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		fmt.Fprintf(os.Stderr, "WebSocket agent host on ws://%s/channel\n", wsAddr)
	}

	select {
	case <-ctx.Done():
		return nil // graceful shutdown
	case err := <-errc:
		return err
	}
}
