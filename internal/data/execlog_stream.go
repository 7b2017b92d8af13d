package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/domain/model"
)

const (
	// DefaultExecutionLogStream is the stream key used when none is configured.
	DefaultExecutionLogStream = "research:execlog"
	defaultScanWindow         = 10_000
)

// ExecutionLogStream appends execution log entries to a capped Redis stream.
type ExecutionLogStream struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// ExecutionLogStreamOptions configures NewExecutionLogStream.
type ExecutionLogStreamOptions struct {
	Client redis.UniversalClient
	Stream string
	// MaxLen caps the stream approximately; zero leaves it unbounded.
	MaxLen int64
}

// NewExecutionLogStream creates an ExecutionLogStream.
func NewExecutionLogStream(opts ExecutionLogStreamOptions) *ExecutionLogStream {
	stream := opts.Stream
	if stream == "" {
		stream = DefaultExecutionLogStream
	}
	return &ExecutionLogStream{client: opts.Client, stream: stream, maxLen: opts.MaxLen}
}

// Append writes one entry with XADD. Scalar fields are kept as separate stream
// fields so consumers can filter without decoding the payload.
func (s *ExecutionLogStream) Append(ctx context.Context, entry *model.ExecutionLogEntry) error {
	if entry == nil {
		return errors.New("execution log entry is required")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode execution log entry: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"job_id":      entry.JobID,
			"tool":        entry.Tool,
			"duration_ms": strconv.FormatInt(entry.DurationMs, 10),
			"ok":          strconv.FormatBool(entry.Error == ""),
			"entry":       payload,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Read returns at most limit of the newest entries for jobID, oldest first.
// It scans back over the newest scanWindow stream entries.
func (s *ExecutionLogStream) Read(ctx context.Context, jobID string, limit int) ([]*model.ExecutionLogEntry, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", s.scanWindow()).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", s.stream, err)
	}

	var out []*model.ExecutionLogEntry
	for _, msg := range msgs {
		if limit > 0 && len(out) >= limit {
			break
		}
		if id, _ := msg.Values["job_id"].(string); id != jobID {
			continue
		}
		raw, _ := msg.Values["entry"].(string)
		var entry model.ExecutionLogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode execution log entry %s: %w", msg.ID, err)
		}
		out = append(out, &entry)
	}
	slices.Reverse(out)
	return out, nil
}

func (s *ExecutionLogStream) scanWindow() int64 {
	if s.maxLen > 0 {
		return s.maxLen
	}
	return defaultScanWindow
}

var (
	_ core.LogStore  = (*ExecutionLogStream)(nil)
	_ core.LogReader = (*ExecutionLogStream)(nil)
)
