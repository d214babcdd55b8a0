// Package pgwire serves private queries over the PostgreSQL wire protocol so
// psql and other Postgres clients can spend budget without an HTTP client.
// Only the simple query protocol is supported.
package pgwire

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"duckdp/internal/budget"
	"duckdp/internal/domain"
	"duckdp/internal/engine"
	"duckdp/internal/middleware"
	"duckdp/internal/planner"
	"duckdp/internal/result"
)

const (
	pgProtocolVersion3 int32 = 196608
	pgSSLRequestCode   int32 = 80877103
	pgGSSEncRequest    int32 = 80877104
	pgCancelReqCode    int32 = 80877102

	// maxMessageSize bounds a single frontend message.
	maxMessageSize = 1 << 20
)

// Config configures a Server.
type Config struct {
	Addr     string
	Reader   *engine.PrivateReader
	Registry *budget.Registry

	// Validator checks the bearer token sent as the connection password.
	// When nil every connection is the anonymous principal.
	Validator middleware.TokenValidator
	NameClaim string

	// DefaultEpsilon applies until the session runs SET epsilon.
	DefaultEpsilon float64
	Logger         *slog.Logger
}

// Server is a PostgreSQL wire listener for private queries.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup

	queryMu       sync.Mutex
	activeQueries map[backendKey]context.CancelFunc
}

type backendKey struct {
	processID int32
	secretKey int32
}

// conn is the per-connection session state.
type conn struct {
	net.Conn
	principal string
	epsilon   float64
	key       backendKey
}

// NewServer creates a server; call Start to listen.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Reader == nil || cfg.Registry == nil {
		return nil, domain.ErrValidation("pgwire: reader and budget registry are required")
	}
	if err := planner.ValidateEpsilon(cfg.DefaultEpsilon); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{cfg: cfg, logger: logger, activeQueries: make(map[backendKey]context.CancelFunc)}, nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return fmt.Errorf("pgwire listener already started")
	}

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen pgwire: %w", err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.logger.Info("PG-wire listener enabled", "addr", ln.Addr().String(), "auth", s.cfg.Validator != nil)
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting connections, cancels running queries and waits
// for open connections to finish until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil {
		return fmt.Errorf("close pgwire listener: %w", err)
	}

	s.queryMu.Lock()
	for _, cancel := range s.activeQueries {
		cancel()
	}
	s.queryMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pgwire shutdown: %w", ctx.Err())
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer nc.Close() //nolint:errcheck
			s.handleConn(nc)
		}()
	}
}

func (s *Server) handleConn(nc net.Conn) {
	for {
		length, code, err := readStartupHeader(nc)
		if err != nil {
			return
		}
		if length < 8 || length > maxMessageSize {
			_ = writeError(nc, "08P01", "invalid startup packet")
			return
		}
		payload := make([]byte, int(length)-8)
		if _, err := io.ReadFull(nc, payload); err != nil {
			return
		}

		switch code {
		case pgSSLRequestCode, pgGSSEncRequest:
			if _, err := nc.Write([]byte{'N'}); err != nil {
				return
			}
		case pgCancelReqCode:
			if len(payload) == 8 {
				s.cancelQuery(backendKey{
					processID: int32(binary.BigEndian.Uint32(payload[0:4])),
					secretKey: int32(binary.BigEndian.Uint32(payload[4:8])),
				})
			}
			return
		case pgProtocolVersion3:
			c, ok := s.startup(nc, parseStartupParams(payload))
			if !ok {
				return
			}
			s.serve(c)
			return
		default:
			_ = writeError(nc, "08P01", "unsupported startup protocol")
			return
		}
	}
}

// startup authenticates the connection and sends the session parameters.
func (s *Server) startup(nc net.Conn, params map[string]string) (*conn, bool) {
	c := &conn{Conn: nc, principal: budget.AnonymousPrincipal, epsilon: s.cfg.DefaultEpsilon, key: newBackendKey()}

	if s.cfg.Validator != nil {
		if strings.TrimSpace(params["user"]) == "" {
			_ = writeError(nc, "28000", "startup user is required")
			return nil, false
		}
		if err := writeAuthRequest(nc, authCleartextPassword); err != nil {
			return nil, false
		}
		token, err := readPassword(nc)
		if err != nil {
			_ = writeError(nc, "08P01", err.Error())
			return nil, false
		}
		claims, err := s.cfg.Validator.Validate(context.Background(), token)
		if err != nil {
			s.logger.Debug("pgwire authentication failed", "user", params["user"], "error", err)
			_ = writeError(nc, "28P01", "password authentication failed: send a valid bearer token as the password")
			return nil, false
		}
		c.principal = claims.Principal(s.cfg.NameClaim)
		if c.principal == "" {
			_ = writeError(nc, "28P01", "token does not name a principal")
			return nil, false
		}
	}

	if err := writeAuthRequest(nc, authOK); err != nil {
		return nil, false
	}
	for _, kv := range [][2]string{
		{"server_version", "16.0"},
		{"client_encoding", "UTF8"},
		{"DateStyle", "ISO, MDY"},
		{"application_name", params["application_name"]},
	} {
		if err := writeParameterStatus(nc, kv[0], kv[1]); err != nil {
			return nil, false
		}
	}
	if err := writeBackendKeyData(nc, c.key); err != nil {
		return nil, false
	}
	if err := writeReadyForQuery(nc); err != nil {
		return nil, false
	}
	s.logger.Debug("pgwire session started", "principal", c.principal)
	return c, true
}

func (s *Server) serve(c *conn) {
	// After an extended-protocol message is rejected, the rest of the batch
	// is discarded until Sync.
	skipping := false

	for {
		msgType, payload, err := readMessage(c)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				_ = writeError(c, "54000", err.Error())
			}
			return
		}

		switch msgType {
		case 'Q':
			s.handleQuery(c, string(bytes.TrimSuffix(payload, []byte{0})))
		case 'P', 'B', 'D', 'E', 'C', 'H':
			if !skipping {
				_ = writeError(c, "0A000", "extended query protocol is not supported; use simple queries")
				skipping = true
			}
		case 'S':
			skipping = false
			_ = writeReadyForQuery(c)
		case 'X':
			return
		default:
			_ = writeError(c, "08P01", fmt.Sprintf("unsupported frontend message type %q", msgType))
			_ = writeReadyForQuery(c)
		}
	}
}

var (
	setEpsilonRe = regexp.MustCompile(`(?is)^SET\s+(?:SESSION\s+)?epsilon\s*(?:=|TO)\s*'?([^';\s]+)'?$`)
	showRe       = regexp.MustCompile(`(?is)^SHOW\s+(epsilon|budget)$`)
	explainRe    = regexp.MustCompile(`(?is)^EXPLAIN\s+(.+)$`)
)

// handleQuery answers one simple query message followed by ReadyForQuery.
func (s *Server) handleQuery(c *conn, text string) {
	defer func() { _ = writeReadyForQuery(c) }()

	text = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(text), ";"))
	if text == "" {
		_ = writeEmptyQueryResponse(c)
		return
	}

	res, tag, err := s.dispatch(c, text)
	if err != nil {
		_ = writeQueryError(c, err)
		return
	}
	if res != nil {
		if err := writeResult(c, res); err != nil {
			return
		}
		tag = fmt.Sprintf("SELECT %d", len(res.Rows))
	}
	_ = writeCommandComplete(c, tag)
}

func (s *Server) dispatch(c *conn, text string) (*result.Result, string, error) {
	if m := setEpsilonRe.FindStringSubmatch(text); m != nil {
		eps, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return nil, "", domain.ErrInvalidBudget("epsilon must be a number, got %q", m[1])
		}
		if err := planner.ValidateEpsilon(eps); err != nil {
			return nil, "", err
		}
		c.epsilon = eps
		return nil, "SET", nil
	}

	if m := showRe.FindStringSubmatch(text); m != nil {
		if strings.EqualFold(m[1], "epsilon") {
			return &result.Result{
				Columns: []result.Column{{Name: "epsilon", Type: domain.ValueFloat}},
				Rows:    [][]any{{c.epsilon}},
			}, "", nil
		}
		session, err := s.cfg.Registry.Session(context.Background(), c.principal)
		if err != nil {
			return nil, "", err
		}
		return &result.Result{
			Columns: []result.Column{
				{Name: "principal", Type: domain.ValueString},
				{Name: "total", Type: domain.ValueFloat},
				{Name: "spent", Type: domain.ValueFloat},
				{Name: "remaining", Type: domain.ValueFloat},
			},
			Rows: [][]any{{c.principal, session.Total(), session.Spent(), session.Remaining()}},
		}, "", nil
	}

	if m := explainRe.FindStringSubmatch(text); m != nil {
		e, err := s.cfg.Reader.Explain(m[1], c.epsilon)
		if err != nil {
			return nil, "", err
		}
		res := &result.Result{Columns: []result.Column{{Name: "QUERY PLAN", Type: domain.ValueString}}}
		for _, line := range strings.Split(strings.TrimRight(e.String(), "\n"), "\n") {
			res.Rows = append(res.Rows, []any{line})
		}
		return res, "", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.trackQuery(c.key, cancel)
	defer s.untrackQuery(c.key)

	ctx = domain.WithPrincipal(ctx, domain.ContextPrincipal{Name: c.principal, Type: "pgwire"})
	session, err := s.cfg.Registry.Session(ctx, c.principal)
	if err != nil {
		return nil, "", err
	}
	res, err := s.cfg.Reader.Execute(ctx, session, text, c.epsilon)
	return res, "", err
}

func (s *Server) trackQuery(key backendKey, cancel context.CancelFunc) {
	s.queryMu.Lock()
	defer s.queryMu.Unlock()
	s.activeQueries[key] = cancel
}

func (s *Server) untrackQuery(key backendKey) {
	s.queryMu.Lock()
	defer s.queryMu.Unlock()
	delete(s.activeQueries, key)
}

func (s *Server) cancelQuery(key backendKey) {
	s.queryMu.Lock()
	cancel := s.activeQueries[key]
	s.queryMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func newBackendKey() backendKey {
	return backendKey{processID: randomInt32(), secretKey: randomInt32()}
}

func randomInt32() int32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	if v := int32(binary.BigEndian.Uint32(b[:])); v != 0 {
		return v
	}
	return 1
}
