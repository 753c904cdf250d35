// Package bridge is the decision loop's view of the remote scoring service:
// a lazily connected websocket channel with a strict request/response
// discipline, and a deterministic local heuristic that answers whenever the
// service cannot. Every public operation returns a usable result within the
// configured timeout budget; connection and protocol failures are never
// surfaced as fatal.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/linluma/scorebridge/shared/features"
	"github.com/linluma/scorebridge/shared/models"
	"github.com/linluma/scorebridge/shared/protocol"
)

// State is the client's connection state. Failure is never terminal: any
// error returns the client to Disconnected and the next call retries.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// errRetryPending means a recent dial failed and the backoff window has not
// elapsed, so this call skips the dial entirely.
var errRetryPending = errors.New("reconnect backoff pending")

const (
	defaultTimeout         = 2 * time.Second
	defaultBreakerFailures = 3
	defaultBreakerTimeout  = 30 * time.Second
	defaultPendingWindow   = 100
)

// Config controls the bridge client.
type Config struct {
	// ServerURL is the bridge endpoint, e.g. ws://127.0.0.1:8765.
	ServerURL string
	// Timeout bounds each call end to end: handshake, send and response
	// wait together. Past it the call falls back to the heuristic.
	Timeout time.Duration
	// Heuristic configures the fallback scorer.
	Heuristic HeuristicConfig
	// BreakerFailures consecutive failures open the circuit; while open,
	// calls skip the dial and go straight to the heuristic for
	// BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	// PendingWindow bounds the outcome examples queued locally while the
	// bridge is down.
	PendingWindow int
}

// Outcome is a resolved opportunity with its realized training target.
type Outcome struct {
	Record models.OpportunityRecord
	Target float64
}

// Client multiplexes the four bridge request kinds over one logical
// connection. It holds at most one connection and permits at most one
// outstanding request at a time; concurrent callers queue behind the mutex,
// so two requests never interleave on the wire.
type Client struct {
	cfg       Config
	clk       clock.Clock
	heuristic *HeuristicScorer
	breaker   *gobreaker.CircuitBreaker

	mu          sync.Mutex // lock-step discipline: guards conn, retry, pending
	conn        *websocket.Conn
	retry       *backoff.ExponentialBackOff
	nextRetryAt time.Time
	pending     []features.TrainingExample

	state atomic.Int32
}

// New builds a client. No connection is attempted until the first call.
func New(cfg Config) *Client {
	return newClient(cfg, clock.New())
}

func newClient(cfg Config, clk clock.Clock) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}
	if cfg.PendingWindow <= 0 {
		cfg.PendingWindow = defaultPendingWindow
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 250 * time.Millisecond
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0 // the decision loop outlives any outage

	c := &Client{
		cfg:       cfg,
		clk:       clk,
		heuristic: NewHeuristicScorer(cfg.Heuristic),
		retry:     retry,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "scoring-bridge",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("bridge breaker state changed")
		},
	})
	return c
}

// State reports the connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Predict scores one opportunity. The result is model-sourced when the
// bridge answers in time, heuristic-sourced otherwise.
func (c *Client) Predict(ctx context.Context, rec models.OpportunityRecord) models.ScoreResult {
	req := protocol.NewPredictRequest(features.Encode(rec))
	resp, err := c.exchange(ctx, req)
	if err != nil {
		c.logFallback("predict", err)
		return c.heuristicResult(rec)
	}
	return models.ScoreResult{
		Score:      *resp.Score,
		Confidence: *resp.Confidence,
		Source:     models.SourceModel,
	}
}

// BatchPredict scores many opportunities, order-preserving. On fallback every
// element is scored by the heuristic.
func (c *Client) BatchPredict(ctx context.Context, recs []models.OpportunityRecord) []models.ScoreResult {
	if len(recs) == 0 {
		return nil
	}

	vs := make([]features.FeatureVector, len(recs))
	for i, rec := range recs {
		vs[i] = features.Encode(rec)
	}

	resp, err := c.exchange(ctx, protocol.NewBatchPredictRequest(vs))
	if err == nil && len(resp.Scores) != len(recs) {
		err = fmt.Errorf("%w: %d scores for %d opportunities", protocol.ErrProtocol, len(resp.Scores), len(recs))
		c.disconnect()
	}
	if err != nil {
		c.logFallback("batch_predict", err)
		out := make([]models.ScoreResult, len(recs))
		for i, rec := range recs {
			out[i] = c.heuristicResult(rec)
		}
		return out
	}

	out := make([]models.ScoreResult, len(recs))
	for i, score := range resp.Scores {
		out[i] = models.ScoreResult{
			Score:      score,
			Confidence: math.Min(math.Abs(score)/100, 1),
			Source:     models.SourceModel,
		}
	}
	return out
}

// Train reports resolved outcomes to the service. While the bridge is down
// the examples are queued locally (bounded) and flushed with the next
// successful call, so outages do not lose training signal.
func (c *Client) Train(ctx context.Context, outcomes []Outcome) models.TrainResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := append([]features.TrainingExample(nil), c.pending...)
	for _, o := range outcomes {
		batch = append(batch, features.TrainingExample{
			Features: features.Encode(o.Record),
			Target:   o.Target,
		})
	}
	if len(batch) == 0 {
		return models.TrainResult{Applied: false, Source: models.SourceHeuristic}
	}

	resp, err := c.exchangeLocked(ctx, protocol.NewTrainRequest(batch))
	if err != nil {
		c.logFallback("train", err)
		if over := len(batch) - c.cfg.PendingWindow; over > 0 {
			batch = batch[over:]
		}
		c.pending = batch
		return models.TrainResult{Applied: false, Source: models.SourceHeuristic}
	}

	c.pending = nil
	return models.TrainResult{
		Loss:    *resp.Loss,
		Applied: *resp.Trained,
		Source:  models.SourceModel,
	}
}

// FeatureImportance returns the model's sensitivity per input field, or the
// heuristic's static term weights when the bridge is down.
func (c *Client) FeatureImportance(ctx context.Context) (map[string]float64, models.ScoreSource) {
	resp, err := c.exchange(ctx, protocol.NewFeatureImportanceRequest())
	if err != nil {
		c.logFallback("feature_importance", err)
		return c.heuristic.Weights(), models.SourceHeuristic
	}
	return resp.Importance, models.SourceModel
}

// Close drops the connection. The client stays usable; the next call
// reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
	return nil
}

func (c *Client) exchange(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchangeLocked(ctx, req)
}

// exchangeLocked performs one request/response cycle under the caller-held
// lock. Any failure (dial, send, receive, malformed response) drops the
// connection so the next call starts from Disconnected.
func (c *Client) exchangeLocked(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	res, err := c.breaker.Execute(func() (interface{}, error) {
		if err := c.ensureConnectedLocked(ctx); err != nil {
			return nil, err
		}
		resp, err := c.roundTripLocked(ctx, req)
		if err != nil {
			c.dropLocked()
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return protocol.Response{}, err
	}
	return res.(protocol.Response), nil
}

// ensureConnectedLocked dials lazily. There is no background reconnect task:
// a failed dial only schedules the earliest next attempt, and the call that
// hits that moment pays for the dial.
func (c *Client) ensureConnectedLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	now := c.clk.Now()
	if now.Before(c.nextRetryAt) {
		return fmt.Errorf("%w until %s", errRetryPending, c.nextRetryAt.Format(time.RFC3339))
	}

	c.setState(StateConnecting)
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.Timeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		c.nextRetryAt = now.Add(c.retry.NextBackOff())
		return fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}

	c.conn = conn
	c.retry.Reset()
	c.nextRetryAt = time.Time{}
	c.setState(StateConnected)
	log.Info().Str("url", c.cfg.ServerURL).Msg("connected to scoring bridge")
	return nil
}

func (c *Client) roundTripLocked(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.Timeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return protocol.Response{}, err
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return protocol.Response{}, fmt.Errorf("send %s: %w", req.Kind, err)
	}

	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return protocol.Response{}, err
	}
	var resp protocol.Response
	if err := c.conn.ReadJSON(&resp); err != nil {
		return protocol.Response{}, fmt.Errorf("receive %s: %w", req.Kind, err)
	}
	if err := resp.Validate(req.Kind); err != nil {
		return protocol.Response{}, err
	}
	return resp, nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.setState(StateDisconnected)
}

func (c *Client) heuristicResult(rec models.OpportunityRecord) models.ScoreResult {
	// Heuristic confidence is fixed at zero: the score is usable, the
	// model just had no say in it.
	return models.ScoreResult{
		Score:      c.heuristic.Score(rec),
		Confidence: 0,
		Source:     models.SourceHeuristic,
	}
}

func (c *Client) logFallback(op string, err error) {
	log.Warn().Err(err).Str("op", op).Msg("bridge unavailable, using heuristic")
}
