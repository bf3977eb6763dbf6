// Package natstool executes browser tool steps by dispatching them to a
// worker pool over NATS request/reply.
package natstool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mkarren/webpilot/internal/port/database"
	"github.com/mkarren/webpilot/internal/port/toolrunner"
)

// logSubjectPrefix is where workers publish per-run browser output lines.
const logSubjectPrefix = "browser.logs."

// Runner implements toolrunner.Runner by forwarding step requests to a
// browser worker listening on a NATS subject.
type Runner struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
}

func NewRunner(nc *nats.Conn, subject string, timeout time.Duration) *Runner {
	return &Runner{nc: nc, subject: subject, timeout: timeout}
}

type workerRequest struct {
	RunID          string `json:"run_id"`
	StepID         string `json:"step_id"`
	Tool           string `json:"tool"`
	Title          string `json:"title"`
	Expected       string `json:"expected,omitempty"`
	Prompt         string `json:"prompt"`
	Browser        string `json:"browser,omitempty"`
	Headless       bool   `json:"headless"`
	SearchProvider string `json:"search_provider,omitempty"`
}

type workerResponse struct {
	OK          bool   `json:"ok"`
	Observation string `json:"observation,omitempty"`
	URL         string `json:"url,omitempty"`
	Title       string `json:"title,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Execute sends the step to a worker and waits for the observation.
func (r *Runner) Execute(ctx context.Context, req toolrunner.Request) (*toolrunner.Observation, error) {
	payload, err := json.Marshal(workerRequest{
		RunID:          req.RunID,
		StepID:         req.Step.ID,
		Tool:           req.Step.Tool,
		Title:          req.Step.Title,
		Expected:       req.Step.Expected,
		Prompt:         req.Prompt,
		Browser:        req.Browser,
		Headless:       req.Headless,
		SearchProvider: req.SearchProvider,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tool request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	msg, err := r.nc.RequestWithContext(ctx, r.subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no browser worker available: %w", err)
		}
		return nil, fmt.Errorf("tool request: %w", err)
	}

	var resp workerResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode tool response: %w", err)
	}

	return &toolrunner.Observation{
		OK:          resp.OK,
		Observation: resp.Observation,
		URL:         resp.URL,
		Title:       resp.Title,
		Error:       resp.Error,
	}, nil
}

type logLine struct {
	RunID    string `json:"run_id"`
	Kind     string `json:"kind"`
	Line     string `json:"line"`
	Snapshot string `json:"snapshot,omitempty"`
}

// LogSink persists browser output lines published by workers.
type LogSink struct {
	store database.Store
	sub   *nats.Subscription
}

// StartLogSink subscribes to worker log subjects and writes each line to
// the store. Stop the sink by calling Close.
func StartLogSink(nc *nats.Conn, store database.Store) (*LogSink, error) {
	sink := &LogSink{store: store}
	sub, err := nc.Subscribe(logSubjectPrefix+">", sink.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe browser logs: %w", err)
	}
	sink.sub = sub
	return sink, nil
}

func (s *LogSink) handle(msg *nats.Msg) {
	var line logLine
	if err := json.Unmarshal(msg.Data, &line); err != nil {
		slog.Warn("malformed browser log line", "subject", msg.Subject, "error", err)
		return
	}
	if line.RunID == "" {
		line.RunID = strings.TrimPrefix(msg.Subject, logSubjectPrefix)
	}
	kind := line.Kind
	if kind != "snapshot" {
		kind = "log"
	}
	content := line.Line
	if kind == "snapshot" && line.Snapshot != "" {
		content = line.Snapshot
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.AppendBrowserLog(ctx, line.RunID, kind, content); err != nil {
		slog.Error("persist browser log failed", "run_id", line.RunID, "error", err)
	}
}

func (s *LogSink) Close() error {
	return s.sub.Unsubscribe()
}
