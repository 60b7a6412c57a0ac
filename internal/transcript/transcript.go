// Package transcript records every language model exchange as NDJSON, one file per
// proposal and stage, without blocking the caller.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/ashureev/draftsmith/internal/llm"
)

// Config controls transcript logging.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Event is one line of a transcript file.
type Event struct {
	Time         time.Time `json:"time"`
	ProposalID   string    `json:"proposal_id"`
	Stage        string    `json:"stage"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt"`
	UserPrompt   string    `json:"user_prompt"`
	MaxTokens    int       `json:"max_tokens"`
	Temperature  float64   `json:"temperature"`
	Reply        string    `json:"reply,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
}

// Logger writes events from a bounded queue on a background goroutine. When the queue
// is full the oldest event is dropped.
type Logger struct {
	dir    string
	events chan Event
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New starts a transcript logger. It returns nil when logging is disabled; a nil
// *Logger discards events.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("transcript dir is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Logger{
		dir:    cfg.Dir,
		events: make(chan Event, cfg.QueueSize),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	l.wg.Add(1)
	go l.process()
	return l, nil
}

// Log queues an event.
func (l *Logger) Log(e Event) {
	if l == nil {
		return
	}
	select {
	case <-l.ctx.Done():
		return
	default:
	}
	for {
		select {
		case l.events <- e:
			return
		default:
		}
		select {
		case <-l.events:
			l.logger.Warn("Transcript queue full, dropped oldest event")
		default:
		}
	}
}

func (l *Logger) process() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			// Flush what is already queued.
			for {
				select {
				case e := <-l.events:
					l.write(e)
				default:
					return
				}
			}
		case e := <-l.events:
			l.write(e)
		}
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

func safeName(s string) string {
	if s == "" {
		return "unknown"
	}
	return unsafeName.ReplaceAllString(s, "_")
}

// Path returns the file that holds events for a proposal and stage.
func (l *Logger) Path(proposalID, stage string) string {
	return filepath.Join(l.dir, safeName(proposalID), safeName(stage)+".ndjson")
}

func (l *Logger) write(e Event) {
	path := l.Path(e.ProposalID, e.Stage)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		l.logger.Warn("Failed to create transcript dir", "path", path, "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		l.logger.Warn("Failed to open transcript", "path", path, "error", err)
		return
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			l.logger.Warn("Failed to close transcript", "path", path, "error", cerr)
		}
	}()
	if err := json.NewEncoder(f).Encode(e); err != nil {
		l.logger.Warn("Failed to write transcript", "path", path, "error", err)
	}
}

// Close flushes queued events and stops the writer.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		l.cancel()
		done := make(chan struct{})
		go func() {
			l.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			l.logger.Warn("Transcript writer shutdown timeout", "queue_remaining", len(l.events))
		}
	})
	return nil
}

// Client records every call made through an llm.Client.
type Client struct {
	next llm.Client
	log  *Logger
}

// Wrap returns a client that logs exchanges to l. A nil logger returns next unchanged.
func Wrap(next llm.Client, l *Logger) llm.Client {
	if l == nil {
		return next
	}
	return &Client{next: next, log: l}
}

func (c *Client) Name() string { return c.next.Name() }

func (c *Client) Invoke(ctx context.Context, req llm.Request) (*llm.Response, error) {
	start := time.Now()
	resp, err := c.next.Invoke(ctx, req)

	e := Event{
		Time:         start.UTC(),
		ProposalID:   req.ProposalID,
		Stage:        req.Stage,
		Model:        c.next.Name(),
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.UserPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		DurationMS:   time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if resp != nil {
		e.Reply = resp.Text
		e.FinishReason = resp.FinishReason
		if resp.Model != "" {
			e.Model = resp.Model
		}
	}
	c.log.Log(e)
	return resp, err
}
