// Package history persists per-step training records to Redis so operators
// can watch loss trends across service restarts. The recorder is optional:
// the scoring service runs fine without a Redis address.
package history

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const opTimeout = 500 * time.Millisecond

// Record is one applied training step.
type Record struct {
	Step      int       `json:"step"`
	Loss      float64   `json:"loss"`
	BatchSize int       `json:"batch_size"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder appends records to a capped Redis list.
type Recorder struct {
	rdb    *redis.Client
	key    string
	maxLen int64
}

// New connects a recorder to Redis. key defaults to "training_history",
// maxLen bounds the list (older records are trimmed away).
func New(addr, key string, maxLen int64) *Recorder {
	if key == "" {
		key = "training_history"
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &Recorder{
		rdb:    redis.NewClient(&redis.Options{Addr: addr}),
		key:    key,
		maxLen: maxLen,
	}
}

// RecordStep satisfies engine.StepObserver. A Redis outage only costs the
// record; training itself is never blocked on storage.
func (r *Recorder) RecordStep(step int, loss float64, batchSize int) {
	rec := Record{Step: step, Loss: loss, BatchSize: batchSize, Timestamp: time.Now().UTC()}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	pipe := r.rdb.Pipeline()
	pipe.RPush(ctx, r.key, string(b))
	pipe.LTrim(ctx, r.key, -r.maxLen, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("key", r.key).Msg("failed to record training step")
	}
}

// Recent returns up to n most recent records, oldest first.
func (r *Recorder) Recent(ctx context.Context, n int64) ([]Record, error) {
	vals, err := r.rdb.LRange(ctx, r.key, -n, -1).Result()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(vals))
	for _, v := range vals {
		var rec Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close releases the Redis connection.
func (r *Recorder) Close() error {
	return r.rdb.Close()
}
