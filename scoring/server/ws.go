// Package server hosts the scorer behind the bridge endpoint: a websocket
// listener answering the four request kinds with exactly one response each.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/linluma/scorebridge/scoring/engine"
	"github.com/linluma/scorebridge/shared/features"
	"github.com/linluma/scorebridge/shared/protocol"
)

const shutdownGrace = 5 * time.Second

// Server answers bridge requests over one or more client channels. Requests
// from different clients only share the scorer and the training buffer, both
// of which carry their own locking.
type Server struct {
	addr   string
	scorer engine.Scorer
	buffer *engine.TrainingBuffer

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*websocket.Conn
	wg    sync.WaitGroup
}

// New builds a server bound to addr.
func New(addr string, scorer engine.Scorer, buffer *engine.TrainingBuffer) *Server {
	return &Server{
		addr:   addr,
		scorer: scorer,
		buffer: buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[string]*websocket.Conn),
	}
}

// Handler exposes the websocket endpoint, mostly so tests can mount it on an
// httptest server.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleBridge)
}

// Serve accepts clients until ctx is cancelled, then shuts down gracefully:
// the listener stops, open channels get a close frame, and in-flight
// exchanges are given a grace period to finish.
func (s *Server) Serve(ctx context.Context) error {
	httpSrv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("bridge server listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("listener shutdown")
	}

	// Shutdown does not touch hijacked connections; nudge the read loops.
	s.mu.Lock()
	for id, conn := range s.conns {
		deadline := time.Now().Add(time.Second)
		if err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline); err != nil {
			log.Debug().Err(err).Str("conn", id).Msg("close frame not delivered")
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Warn().Msg("shutdown grace elapsed with connections still open")
		s.mu.Lock()
		for _, conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	}

	log.Info().Msg("bridge server stopped")
	return nil
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()
	s.wg.Add(1)

	log.Info().Str("conn", id).Str("remote", r.RemoteAddr).Msg("bridge client connected")

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.conns, id)
			s.mu.Unlock()
			conn.Close()
			s.wg.Done()
			log.Info().Str("conn", id).Msg("bridge client disconnected")
		}()
		s.readLoop(id, conn)
	}()
}

// readLoop answers requests one at a time, in order, for the lifetime of the
// channel. Every request gets exactly one response; a bad frame gets an
// error response instead of a dropped channel.
func (s *Server) readLoop(id string, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Str("conn", id).Msg("read ended")
			}
			return
		}

		var resp protocol.Response
		var req protocol.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			resp = protocol.NewErrorResponse(fmt.Sprintf("malformed request: %v", err))
		} else {
			resp = s.dispatch(id, req)
		}

		if err := conn.WriteJSON(resp); err != nil {
			log.Warn().Err(err).Str("conn", id).Msg("response write failed")
			return
		}
	}
}

// dispatch maps a request to its response. Panics inside scoring or training
// become error responses so one malformed request cannot take the service
// down for other callers.
func (s *Server) dispatch(id string, req protocol.Request) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("conn", id).Interface("panic", r).Str("kind", string(req.Kind)).Msg("request handler panicked")
			resp = protocol.NewErrorResponse(fmt.Sprintf("internal error handling %s", req.Kind))
		}
	}()

	switch req.Kind {
	case protocol.KindPredict:
		if req.Opportunity == nil {
			return protocol.NewErrorResponse("predict request carries no opportunity")
		}
		score := s.scorer.Predict(*req.Opportunity)
		return protocol.NewPredictionResponse(score, confidence(score))

	case protocol.KindBatchPredict:
		if len(req.Opportunities) == 0 {
			return protocol.NewErrorResponse("batch_predict request carries no opportunities")
		}
		return protocol.NewBatchPredictionResponse(s.scorer.BatchPredict(req.Opportunities))

	case protocol.KindTrain:
		if len(req.Opportunities) == 0 {
			return protocol.NewErrorResponse("train request carries no examples")
		}
		if len(req.Targets) != len(req.Opportunities) {
			return protocol.NewErrorResponse(fmt.Sprintf(
				"train request has %d opportunities but %d targets", len(req.Opportunities), len(req.Targets)))
		}
		examples := make([]features.TrainingExample, len(req.Opportunities))
		for i, v := range req.Opportunities {
			examples[i] = features.TrainingExample{Features: v, Target: req.Targets[i]}
		}
		res, err := s.buffer.Add(examples...)
		if err != nil {
			return protocol.NewErrorResponse(fmt.Sprintf("training failed: %v", err))
		}
		return protocol.NewTrainResultResponse(res.Loss, res.Trained)

	case protocol.KindFeatureImportance:
		return protocol.NewFeatureImportanceResponse(s.scorer.FeatureImportance())

	default:
		return protocol.NewErrorResponse(fmt.Sprintf("unknown request type: %q", req.Kind))
	}
}

// confidence derives a [0,1] confidence from score magnitude, mirroring the
// model's bounded score range.
func confidence(score float64) float64 {
	return math.Min(math.Abs(score)/100, 1)
}
