package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elder-platform/elder/internal/api/middleware"
	"github.com/elder-platform/elder/internal/config"
	"github.com/elder-platform/elder/internal/errs"
	"github.com/elder-platform/elder/internal/pipeline"
	"github.com/elder-platform/elder/internal/store"
	"github.com/elder-platform/elder/internal/villageid"
	"github.com/elder-platform/elder/pkg/models"
)

// handlerFunc executes one authenticated operation.
type handlerFunc func(ctx context.Context, principal *models.Identity, args json.RawMessage) (any, error)

// Server is the RPC catalog endpoint: newline-delimited JSON requests
// over a stream listener, one response per request, same authorization
// and error taxonomy as the HTTP surface.
type Server struct {
	addr     string
	cfg      *config.Config
	store    store.Store
	pipe     *pipeline.Pipeline
	villages *villageid.Allocator
	oncall   OnCallResolver

	handlers map[string]handlerFunc

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// OnCallResolver is the slice of the on-call resolver the catalog needs.
type OnCallResolver interface {
	Current(ctx context.Context, rd store.Reader, tenantID int64, scopeType models.OnCallScope, scopeID int64, instant time.Time) (*models.OnCallResult, error)
	Timeline(ctx context.Context, rd store.Reader, tenantID int64, scopeType models.OnCallScope, scopeID int64, from, to time.Time) ([]models.OnCallSegment, error)
}

// NewServer builds the catalog server. addr is the listen address; the
// listener itself is opened by Start.
func NewServer(addr string, cfg *config.Config, s store.Store, pipe *pipeline.Pipeline, villages *villageid.Allocator, oncall OnCallResolver) *Server {
	srv := &Server{
		addr:     addr,
		cfg:      cfg,
		store:    s,
		pipe:     pipe,
		villages: villages,
		oncall:   oncall,
	}
	srv.initHandlers()
	return srv
}

// Start opens the listener and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	log.Info().Str("addr", ln.Addr().String()).Msg("rpc catalog listening")

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := s.handleRequest(context.Background(), &req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// handleRequest authenticates and dispatches a single request under the
// same deadline the HTTP surface applies. Analyze gets the engine's own
// cap instead of the standard one.
func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	d := s.cfg.Requests.Timeout
	if req.Operation == OpGraphAnalyze {
		d = s.cfg.Graph.AnalyzeTimeout
	}
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	h, ok := s.handlers[req.Operation]
	if !ok {
		return fail(errs.Validation("unknown operation %q", req.Operation))
	}
	if req.Operation == OpHealthCheck {
		data, err := h(ctx, nil, req.Args)
		if err != nil {
			return fail(err)
		}
		return succeed(data)
	}

	principal, err := s.authenticate(ctx, req.Token)
	if err != nil {
		return fail(err)
	}
	data, err := h(ctx, principal, req.Args)
	if err != nil {
		return fail(err)
	}
	return succeed(data)
}

// authenticate resolves the bearer token exactly as the HTTP middleware
// does: fingerprint lookup, expiry check, active identity.
func (s *Server) authenticate(ctx context.Context, token string) (*models.Identity, error) {
	if token == "" {
		return nil, errs.Unauthenticated("missing token")
	}
	rd := s.store.Reader()
	t, err := rd.GetTokenByFingerprint(ctx, middleware.Fingerprint(token))
	if err != nil {
		return nil, errs.Unauthenticated("unknown token")
	}
	if t.Expired(time.Now().UTC()) {
		return nil, errs.Unauthenticated("token expired")
	}
	id, err := rd.GetIdentity(ctx, t.IdentityID)
	if err != nil || !id.IsActive {
		return nil, errs.Unauthenticated("identity inactive")
	}
	return id, nil
}

func succeed(data any) *Response {
	raw, err := json.Marshal(data)
	if err != nil {
		return fail(errs.Internal(err))
	}
	return &Response{Success: true, Data: raw}
}

func fail(err error) *Response {
	kind := errs.KindOf(err)
	msg := err.Error()
	if kind == errs.KindInternal {
		msg = "internal error"
	}
	resp := &Response{Success: false, Error: msg, Code: string(kind)}
	details := map[string]any{}
	for k, v := range errs.DetailsOf(err) {
		details[k] = v
	}
	if reason := errs.ReasonOf(err); reason != "" {
		details["reason"] = reason
	}
	if len(details) > 0 {
		resp.Details = details
	}
	return resp
}

func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		var zero T
		return zero, errs.Validation("invalid args: %v", err)
	}
	return v, nil
}
