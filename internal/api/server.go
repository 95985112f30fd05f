// Package api provides the HTTP and gRPC control surface of the execution
// stack: read-only views of the three order stacks, positions and operator
// controls, plus the cancel-all and end-of-day actions.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"execstack/internal/config"
	"execstack/internal/controls"
	"execstack/internal/engine"
	"execstack/internal/metrics"
)

// ErrTeardownRunning is returned when an end-of-day teardown is requested
// while another is still in progress.
var ErrTeardownRunning = errors.New("end of day teardown already running")

// Server is the API server that hosts the HTTP and gRPC endpoints.
type Server struct {
	engine   *engine.Engine
	controls *controls.Store
	metrics  *metrics.Recorder
	log      *slog.Logger

	httpAddr string
	grpcAddr string
	httpSrv  *http.Server
	grpcSrv  *grpc.Server

	teardownMu sync.Mutex
}

// NewServer creates a Server listening on the addresses in cfg.
func NewServer(cfg *config.Config, eng *engine.Engine, ctl *controls.Store, m *metrics.Recorder, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		engine:   eng,
		controls: ctl,
		metrics:  m,
		log:      log.With("component", "api"),
		httpAddr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		grpcAddr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort),
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.grpcSrv = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	RegisterStackControlServer(s.grpcSrv, &controlServer{s: s})
	return s
}

// GRPCServer returns the underlying gRPC server.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcSrv
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
	}
	grpcLn, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve runs both servers on the given listeners.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("http listening", "addr", httpLn.Addr().String())
		if err := s.httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("grpc listening", "addr", grpcLn.Addr().String())
		if err := s.grpcSrv.Serve(grpcLn); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.grpcSrv.GracefulStop()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// endOfDay runs the teardown unless one is already running.
func (s *Server) endOfDay(ctx context.Context) (engine.TeardownResult, error) {
	if !s.teardownMu.TryLock() {
		return engine.TeardownResult{}, ErrTeardownRunning
	}
	defer s.teardownMu.Unlock()
	s.log.Info("end of day requested")
	return s.engine.SafeStackRemoval(ctx)
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Warn("grpc call failed", "method", info.FullMethod, "elapsed", time.Since(start), "error", err)
	} else {
		s.log.Debug("grpc call", "method", info.FullMethod, "elapsed", time.Since(start))
	}
	return resp, err
}
