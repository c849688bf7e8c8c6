// Package meshnode is the HTTP front door every chainbox process exposes:
// health, single and batch capability execution, re-entering the local
// Executor. Planning behaviour comes entirely from the Executor's own
// IsMeshNode config, not from this server — a dedicated mesh-node process
// wires IsMeshNode=true so inbound calls never re-plan, while the root
// process wires it false so inbound calls plan and may dispatch remotely.
package meshnode

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/chainbox/chainbox/pkg/chainerr"
	"github.com/chainbox/chainbox/pkg/contracts"
	"github.com/chainbox/chainbox/pkg/executor"
	"github.com/chainbox/chainbox/pkg/signer"
)

// DefaultMaxBodyBytes bounds an incoming request body; larger bodies fail
// closed with PAYLOAD_TOO_LARGE rather than being buffered in full.
const DefaultMaxBodyBytes = 4 << 20 // 4MiB

// Server wraps an Executor so it can be invoked over HTTP by mesh peers.
type Server struct {
	exec         *executor.Executor
	signer       *signer.Signer
	maxBodyBytes int64
	startedAt    time.Time
	requestCount atomic.Int64
	logger       *slog.Logger
	httpServer   *http.Server
}

// Config tunes the HTTP surface and the process's graceful-shutdown window.
type Config struct {
	Addr            string
	MaxBodyBytes    int64
	ShutdownGraceMs int
}

// New builds a Server over exec, verifying the signatures of incoming
// payloads with signerInst (nil-secret Signer accepts unconditionally).
// Responses are not signed.
func New(exec *executor.Executor, signerInst *signer.Signer, cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{
		exec: exec, signer: signerInst, maxBodyBytes: cfg.MaxBodyBytes,
		startedAt: time.Now(), logger: slog.Default().With("component", "meshnode"),
	}
}

// Mux builds the route table: /health, /execute, /execute/batch.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/execute/batch", s.handleExecuteBatch)
	return mux
}

type healthResponse struct {
	Status    string `json:"status"`
	UptimeMs  int64  `json:"uptimeMs"`
	Requests  int64  `json:"requests"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.requestCount.Add(1)
	resp := healthResponse{
		Status:   "ok",
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
		Requests: s.requestCount.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	s.requestCount.Add(1)
	limited := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, chainerr.New(chainerr.CodePayloadTooLarge, "", "request body exceeds limit"))
			return nil, false
		}
		s.writeError(w, http.StatusBadRequest, chainerr.Newf(chainerr.CodeInternalError, "", "read body: %v", err))
		return nil, false
	}
	return body, true
}

func (s *Server) verifySignature(w http.ResponseWriter, r *http.Request, payload any) bool {
	if s.signer == nil || !s.signer.Enabled() {
		return true
	}
	sig := r.Header.Get("X-Chainbox-Signature")
	tsHeader := r.Header.Get("X-Chainbox-Timestamp")
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, chainerr.New(chainerr.CodeInvalidSignature, "", "missing or malformed timestamp header"))
		return false
	}
	if err := s.signer.Verify(payload, sig, ts); err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return false
	}
	return true
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var payload contracts.MeshPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, http.StatusBadRequest, chainerr.Newf(chainerr.CodeInternalError, "", "decode payload: %v", err))
		return
	}
	if !s.verifySignature(w, r, payload) {
		return
	}

	var parentTrace *contracts.TraceFrame
	if len(payload.Trace) > 0 {
		parentTrace = payload.Trace[0]
	}
	res, err := s.exec.Execute(r.Context(), payload.Fn, payload.Input, executor.Options{
		Identity: payload.Identity, ParentFrame: &payload.Frame, ParentTrace: parentTrace,
		TraceID: payload.TraceID,
	})
	if err != nil {
		s.writeError(w, http.StatusOK, err)
		return
	}

	envelope := contracts.ResultEnvelope{Value: res.Value, Trace: res.Trace}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envelope)
}

func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var payload contracts.BatchPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, http.StatusBadRequest, chainerr.Newf(chainerr.CodeInternalError, "", "decode payload: %v", err))
		return
	}
	if !s.verifySignature(w, r, payload) {
		return
	}

	var parentTrace *contracts.TraceFrame
	if len(payload.Trace) > 0 {
		parentTrace = payload.Trace[0]
	}

	results := make([]contracts.ResultEnvelope, len(payload.Calls))
	type indexed struct {
		i   int
		env contracts.ResultEnvelope
	}
	out := make(chan indexed, len(payload.Calls))
	for i, call := range payload.Calls {
		go func(i int, call contracts.BatchCall) {
			res, err := s.exec.Execute(r.Context(), call.Fn, call.Input, executor.Options{
				Identity: payload.Identity, ParentFrame: &payload.Frame, ParentTrace: parentTrace,
				TraceID: payload.TraceID,
			})
			env := contracts.ResultEnvelope{Trace: res.Trace}
			if err != nil {
				cerr := chainerr.As(err, call.Fn)
				env.Value = cerr.ToEnvelope()
			} else {
				env.Value = res.Value
			}
			out <- indexed{i, env}
		}(i, call)
	}
	for range payload.Calls {
		r := <-out
		results[r.i] = r.env
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(contracts.BatchResultEnvelope{Results: results})
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	cerr := chainerr.As(err, "")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(cerr.ToEnvelope())
}

// ListenAndServe starts the HTTP server on addr, blocking until Shutdown is
// called or the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Mux()}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within grace, then forces close.
func (s *Server) Shutdown(grace time.Duration) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful shutdown exceeded grace window, forcing close", "error", err)
		return s.httpServer.Close()
	}
	return nil
}
