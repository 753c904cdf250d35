package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linluma/scorebridge/scoring/engine"
	"github.com/linluma/scorebridge/scoring/server"
	"github.com/linluma/scorebridge/shared/models"
	"github.com/linluma/scorebridge/shared/protocol"
)

// startBridgeServer runs a real scoring service and returns its ws URL.
func startBridgeServer(t *testing.T) string {
	t.Helper()
	scorer, err := engine.NewNeuralScorer(engine.DefaultConfig())
	require.NoError(t, err)
	buffer := engine.NewTrainingBuffer(scorer, engine.DefaultBufferConfig(), clock.NewMock(), nil)
	ts := httptest.NewServer(server.New("", scorer, buffer).Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// stubWS runs a raw websocket handler, handing it each connection in order.
func stubWS(t *testing.T, handle func(conn *websocket.Conn, connIdx int)) string {
	t.Helper()
	var idx int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, int(atomic.AddInt32(&idx, 1)))
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestPredictFallsBackWhenServerUnreachable(t *testing.T) {
	c := New(Config{ServerURL: "ws://127.0.0.1:1", Timeout: 2 * time.Second})

	start := time.Now()
	res := c.Predict(context.Background(), polygonOpportunity())
	elapsed := time.Since(start)

	assert.Equal(t, models.SourceHeuristic, res.Source)
	assert.InDelta(t, 37.75, res.Score, 1e-9)
	assert.GreaterOrEqual(t, res.Score, 0.0)
	assert.LessOrEqual(t, res.Score, 100.0)
	assert.Less(t, elapsed, 2*time.Second, "fallback must answer within the timeout budget")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestPredictUsesModelWhenConnected(t *testing.T) {
	c := New(Config{ServerURL: startBridgeServer(t)})
	defer c.Close()

	res := c.Predict(context.Background(), polygonOpportunity())
	assert.Equal(t, models.SourceModel, res.Source)
	assert.Equal(t, StateConnected, c.State())
	assert.GreaterOrEqual(t, res.Confidence, 0.0)
	assert.LessOrEqual(t, res.Confidence, 1.0)

	again := c.Predict(context.Background(), polygonOpportunity())
	assert.Equal(t, res.Score, again.Score, "fixed parameters, fixed record, fixed score")
}

func TestBatchPredictFallback(t *testing.T) {
	c := New(Config{ServerURL: "ws://127.0.0.1:1"})

	recs := []models.OpportunityRecord{polygonOpportunity(), polygonOpportunity(), polygonOpportunity()}
	out := c.BatchPredict(context.Background(), recs)
	require.Len(t, out, 3)
	for _, res := range out {
		assert.Equal(t, models.SourceHeuristic, res.Source)
		assert.InDelta(t, 37.75, res.Score, 1e-9)
	}

	assert.Nil(t, c.BatchPredict(context.Background(), nil))
}

func TestBatchPredictMatchesSinglePredicts(t *testing.T) {
	c := New(Config{ServerURL: startBridgeServer(t)})
	defer c.Close()

	recs := make([]models.OpportunityRecord, 4)
	for i := range recs {
		recs[i] = polygonOpportunity()
		recs[i].ROIPercent = float64(i + 1)
	}

	batch := c.BatchPredict(context.Background(), recs)
	require.Len(t, batch, 4)
	for i, rec := range recs {
		single := c.Predict(context.Background(), rec)
		require.Equal(t, models.SourceModel, single.Source)
		assert.InDelta(t, single.Score, batch[i].Score, 1e-9, "batch element %d", i)
	}
}

func TestMalformedResponseFallsBack(t *testing.T) {
	url := stubWS(t, func(conn *websocket.Conn, _ int) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{"type": "telemetry", "noise": true})
	})

	c := New(Config{ServerURL: url})
	res := c.Predict(context.Background(), polygonOpportunity())
	assert.Equal(t, models.SourceHeuristic, res.Source)
	assert.Equal(t, StateDisconnected, c.State(), "a malformed response drops the connection")
}

func TestResponseTimeoutFallsBack(t *testing.T) {
	url := stubWS(t, func(conn *websocket.Conn, _ int) {
		conn.ReadMessage()
		time.Sleep(2 * time.Second) // never answer in time
	})

	c := New(Config{ServerURL: url, Timeout: 300 * time.Millisecond})
	start := time.Now()
	res := c.Predict(context.Background(), polygonOpportunity())
	assert.Equal(t, models.SourceHeuristic, res.Source)
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestReconnectIsLazyAndSpaced(t *testing.T) {
	var dials int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		w.WriteHeader(http.StatusInternalServerError) // refuse the upgrade
	}))
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	mock := clock.NewMock()
	c := newClient(Config{ServerURL: url, BreakerFailures: 100}, mock)

	c.Predict(context.Background(), polygonOpportunity())
	assert.EqualValues(t, 1, atomic.LoadInt32(&dials))

	// backoff window has not elapsed: no dial, immediate heuristic
	c.Predict(context.Background(), polygonOpportunity())
	assert.EqualValues(t, 1, atomic.LoadInt32(&dials))

	mock.Add(time.Minute)
	c.Predict(context.Background(), polygonOpportunity())
	assert.EqualValues(t, 2, atomic.LoadInt32(&dials))
}

func TestBreakerShortCircuitsHardDownServer(t *testing.T) {
	var dials int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	mock := clock.NewMock()
	c := newClient(Config{ServerURL: url, BreakerFailures: 2}, mock)

	for i := 0; i < 2; i++ {
		res := c.Predict(context.Background(), polygonOpportunity())
		assert.Equal(t, models.SourceHeuristic, res.Source)
		mock.Add(time.Minute)
	}
	require.EqualValues(t, 2, atomic.LoadInt32(&dials))

	// breaker is open now: calls skip the dial entirely
	for i := 0; i < 5; i++ {
		res := c.Predict(context.Background(), polygonOpportunity())
		assert.Equal(t, models.SourceHeuristic, res.Source)
		mock.Add(time.Minute)
	}
	assert.EqualValues(t, 2, atomic.LoadInt32(&dials))
}

func TestTrainQueuesOfflineAndFlushes(t *testing.T) {
	var got atomic.Int32
	url := stubWS(t, func(conn *websocket.Conn, connIdx int) {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if connIdx == 1 {
			return // die before replying
		}
		var req protocol.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return
		}
		got.Store(int32(len(req.Opportunities)))
		conn.WriteJSON(protocol.NewTrainResultResponse(0.25, true))
	})

	mock := clock.NewMock()
	c := newClient(Config{ServerURL: url}, mock)

	outcomes := func(n int) []Outcome {
		out := make([]Outcome, n)
		for i := range out {
			out[i] = Outcome{Record: polygonOpportunity(), Target: float64(i)}
		}
		return out
	}

	res := c.Train(context.Background(), outcomes(3))
	assert.False(t, res.Applied)
	assert.Equal(t, models.SourceHeuristic, res.Source)

	mock.Add(time.Minute)
	res = c.Train(context.Background(), outcomes(2))
	assert.True(t, res.Applied)
	assert.Equal(t, models.SourceModel, res.Source)
	assert.InDelta(t, 0.25, res.Loss, 1e-12)
	assert.EqualValues(t, 5, got.Load(), "queued offline examples flush with the next batch")

	// queue is drained: an empty report is a local no-op
	res = c.Train(context.Background(), nil)
	assert.False(t, res.Applied)
}

func TestTrainPendingWindowBound(t *testing.T) {
	mock := clock.NewMock()
	c := newClient(Config{ServerURL: "ws://127.0.0.1:1", PendingWindow: 5}, mock)

	for i := 0; i < 4; i++ {
		c.Train(context.Background(), []Outcome{
			{Record: polygonOpportunity(), Target: 1},
			{Record: polygonOpportunity(), Target: 2},
		})
		mock.Add(time.Minute)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.LessOrEqual(t, len(c.pending), 5, "offline queue never outgrows its window")
}

func TestFeatureImportance(t *testing.T) {
	t.Run("Fallback", func(t *testing.T) {
		c := New(Config{ServerURL: "ws://127.0.0.1:1"})
		imp, source := c.FeatureImportance(context.Background())
		assert.Equal(t, models.SourceHeuristic, source)
		assert.Equal(t, 0.3, imp["roi_percentage"])
	})

	t.Run("Connected", func(t *testing.T) {
		c := New(Config{ServerURL: startBridgeServer(t)})
		defer c.Close()
		imp, source := c.FeatureImportance(context.Background())
		assert.Equal(t, models.SourceModel, source)
		assert.Len(t, imp, 12)
	})
}

func TestConcurrentCallersShareOneChannel(t *testing.T) {
	c := New(Config{ServerURL: startBridgeServer(t)})
	defer c.Close()

	var wg sync.WaitGroup
	results := make([]models.ScoreResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Predict(context.Background(), polygonOpportunity())
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		assert.Equal(t, models.SourceModel, res.Source, "caller %d", i)
		assert.Equal(t, results[0].Score, res.Score)
	}
}
