package controlplane

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/logging"
	"github.com/fleetforge/fleetd/internal/metrics"
	"github.com/fleetforge/fleetd/internal/reconcile"
	"github.com/fleetforge/fleetd/internal/storefs"
	"golang.org/x/time/rate"
)

// Config wires a Server's collaborators and mTLS/rate-limit knobs.
type Config struct {
	ListenAddr      string
	TLSConfig       *tls.Config // nil is only accepted outside Production
	Production      bool
	TrustedKeysDir  string
	RateLimitPerSec float64 // spec §4.12's "~10 requests/second per peer"
	NodeID          string
	JailerBin       string
	AttestationProvider string
	ReconcileInterval time.Duration
}

// Server is the node control plane (spec component L): one mTLS
// listener dispatching the closed request-type set of spec §4.12 onto
// a reconcile.Reconciler and its underlying lifecycle/store.
//
// Grounded on the teacher's internal/grpc/server.go's Start/Stop
// lifecycle (listen, serve in a goroutine, GracefulStop on Stop) and
// request-dispatch-by-type idiom; rate limiting follows internal/
// gateway/gateway.go's per-key limiter map shape, swapped for the
// dependency-pack's golang.org/x/time/rate instead of the teacher's
// hand-rolled bucket (the teacher's gateway is kept hand-rolled where
// it's adapted for the proxy instead — see component M).
type Server struct {
	cfg        Config
	reconciler *reconcile.Reconciler
	store      *storefs.Store
	ticker     *reconcile.Ticker
	trusted    *TrustedKeys

	nodeID              string
	jailerBin           string
	attestationProvider string

	listener net.Listener

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	wg sync.WaitGroup

	closing chan struct{}
	once    sync.Once
}

// New constructs a Server. trusted may be empty (every ReconcileSigned
// then fails closed); callers load it via LoadTrustedKeys.
func New(cfg Config, r *reconcile.Reconciler, store *storefs.Store, ticker *reconcile.Ticker, trusted *TrustedKeys) *Server {
	return &Server{
		cfg:                 cfg,
		reconciler:          r,
		store:               store,
		ticker:              ticker,
		trusted:             trusted,
		nodeID:              cfg.NodeID,
		jailerBin:           cfg.JailerBin,
		attestationProvider: cfg.AttestationProvider,
		limiters:            make(map[string]*rate.Limiter),
		closing:             make(chan struct{}),
	}
}

// Start binds the listener and begins accepting connections in the
// background. Production mode refuses to start without a TLS config
// (spec §4.12: "In production mode the endpoint refuses to start
// without credentials").
func (s *Server) Start() error {
	if s.cfg.Production && s.cfg.TLSConfig == nil {
		return ferr.New(ferr.KindAuth, "production mode requires mTLS credentials")
	}

	var lis net.Listener
	var err error
	if s.cfg.TLSConfig != nil {
		lis, err = tls.Listen("tcp", s.cfg.ListenAddr, s.cfg.TLSConfig)
	} else {
		lis, err = net.Listen("tcp", s.cfg.ListenAddr)
	}
	if err != nil {
		return ferr.Wrap(ferr.KindNetwork, "binding control plane listener", err)
	}
	s.listener = lis

	logging.Op().Info("control plane listening", "addr", s.cfg.ListenAddr, "production", s.cfg.Production)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop stops accepting new connections, waits for in-flight requests to
// finish, and returns (spec §4.12's SIGTERM semantics: "stop accepting;
// finish in-flight; do not stop running instances; flush state; exit").
// It never touches a running instance.
func (s *Server) Stop() {
	s.once.Do(func() { close(s.closing) })
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
				logging.Op().Error("control plane accept error", "error", err)
				return
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	limiter := s.limiterFor(peer)

	for {
		body, err := readFrame(conn)
		if err != nil {
			return // peer closed, or a framing error — either way the stream is done
		}

		if !limiter.Allow() {
			if m := metrics.Get(); m != nil {
				m.ControlPlaneRejected("rate_limited")
			}
			_ = writeFrame(conn, errResponse("RateLimited", "per-peer request rate exceeded", nil))
			continue
		}

		resp := s.dispatch(body)
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) limiterFor(peer string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	lim, ok := s.limiters[peer]
	if !ok {
		rps := s.cfg.RateLimitPerSec
		if rps <= 0 {
			rps = 10
		}
		lim = rate.NewLimiter(rate.Limit(rps), int(rps))
		s.limiters[peer] = lim
	}
	return lim
}
