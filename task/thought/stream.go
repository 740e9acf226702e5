// Package thought implements the ThoughtStream polling client and the
// thought-to-task converter glue (spec §6: "ThoughtStream.getActionable()",
// "ThoughtStream.ack(ids[])", GLOSSARY "thoughtConvertedToTask").
package thought

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/goadesign/tasklifecycle-core/task"
)

// Thought is a single cognitive thought polled from the stream.
type Thought struct {
	ID         string         `json:"id"`
	Text       string         `json:"text"`
	Actionable bool           `json:"actionable"`
	TaskType   string         `json:"taskType"`
	Params     map[string]any `json:"params"`
}

// Stream is ThoughtStream: a read-mostly HTTP poller with a fire-and-forget
// ack outbox (spec §6 "failure returns empty" / "outbox queue absorbs
// failures").
type Stream struct {
	baseURL string
	hc      *http.Client
	limiter *rate.Limiter
	timeout time.Duration

	ackOutbox chan []string
}

// New constructs a Stream. requestsPerSecond <= 0 disables rate limiting.
func New(baseURL string, timeout time.Duration, requestsPerSecond float64) *Stream {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	return &Stream{
		baseURL:   baseURL,
		hc:        &http.Client{},
		limiter:   limiter,
		timeout:   timeout,
		ackOutbox: make(chan []string, 64),
	}
}

// GetActionable polls the thought stream and returns the actionable
// thoughts. Any transport/decode failure returns an empty slice rather than
// an error, per spec §6.
func (s *Stream) GetActionable(ctx context.Context) []Thought {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/thoughts/actionable", nil)
	if err != nil {
		return nil
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil
	}
	var thoughts []Thought
	if err := json.NewDecoder(resp.Body).Decode(&thoughts); err != nil {
		return nil
	}
	return thoughts
}

// Ack marks thoughts processed. It is fire-and-forget: failures are absorbed
// by re-queuing onto the outbox for the next drain attempt rather than
// surfaced to the caller (spec §6 "outbox queue absorbs failures").
func (s *Stream) Ack(ids []string) {
	if len(ids) == 0 {
		return
	}
	select {
	case s.ackOutbox <- ids:
	default:
		// Outbox full: this batch is dropped; batches already queued are
		// still flushed by the next drain.
	}
}

// DrainAcks runs until ctx is canceled, periodically flushing the ack outbox
// to the thought service. A failed flush re-enqueues the batch for the next
// tick (best-effort, bounded by the outbox's capacity).
func (s *Stream) DrainAcks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushOnce(ctx)
		}
	}
}

func (s *Stream) flushOnce(ctx context.Context) {
	for {
		select {
		case ids := <-s.ackOutbox:
			if !s.sendAck(ctx, ids) {
				s.Ack(ids)
				return
			}
		default:
			return
		}
	}
}

func (s *Stream) sendAck(ctx context.Context, ids []string) bool {
	body, err := json.Marshal(struct {
		IDs []string `json:"ids"`
	}{IDs: ids})
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/thoughts/ack", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.hc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

// Converter turns actionable thoughts into ingestion-ready Task intents
// (GLOSSARY "thoughtConvertedToTask"). StrictConvertEligibility, when true,
// rejects thoughts missing a taskType instead of defaulting them.
type Converter struct {
	StrictConvertEligibility bool
}

// Convert maps a Thought to a partial Task ready for the ingestion pipeline,
// or ok=false if the thought is ineligible.
func (c Converter) Convert(th Thought) (task.Task, bool) {
	if !th.Actionable {
		return task.Task{}, false
	}
	taskType := th.TaskType
	if taskType == "" {
		if c.StrictConvertEligibility {
			return task.Task{}, false
		}
		taskType = "advisory_action"
	}
	return task.Task{
		Title:      th.Text,
		Type:       taskType,
		Source:     task.SourceAutonomous,
		Tags:       []string{"cognitive", "autonomous"},
		Parameters: th.Params,
	}, true
}
