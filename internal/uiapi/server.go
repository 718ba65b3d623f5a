package uiapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "attendwatch/internal/runtime/supervisor"
	logx "attendwatch/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8089"

// Config controls the optional HTTP server.
//
// Security:
//   - There is no authentication; bind to localhost (default).
//   - A non-loopback Addr is refused unless AllowRemote is set.
type Config struct {
	Enabled     bool
	Addr        string
	AllowRemote bool
	Profiler    bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// Service runs the router under a restart loop and can be reconfigured
// while running.
type Service struct {
	mu  sync.Mutex
	log logx.Logger
	eng Engine
	cfg Config

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
	ready    chan struct{}
}

func NewService(cfg Config, eng Engine, log logx.Logger) *Service {
	return &Service{cfg: cfg, eng: eng, log: log, ready: make(chan struct{})}
}

// Addr is the bound listener address, empty while not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Ready is closed once the first listener is bound.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
// A started server lives until life is canceled; ctx only bounds the stop of
// the previous one. Safe to call during hot reload.
func (s *Service) Reconfigure(life, ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(life)
	case needsRestart(prev, cfg):
		s.Stop(ctx)
		s.Start(life)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr || a.AllowRemote != b.AllowRemote || a.Profiler != b.Profiler ||
		a.ReadTimeout != b.ReadTimeout || a.IdleTimeout != b.IdleTimeout
}

// Start is idempotent; it waits for an in-flight Stop first.
func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("ui server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	if !cur.Enabled {
		return context.Canceled
	}

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if !cur.AllowRemote && !isLoopbackAddr(addr) {
		s.log.Error("ui server refused to start: non-loopback addr requires allow_remote", logx.String("addr", addr))
		return errors.New("ui server refused to start: remote bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("ui listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:           NewRouter(s.eng, s.log, RouterOptions{Profiler: cur.Profiler}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cur.ReadTimeout,
		IdleTimeout:       cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("ui server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cur.Profiler))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ui server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
