package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"grid-reconciler/internal/models"

	"go.uber.org/zap"
)

const (
	defaultBuffer  = 256
	defaultTimeout = 5 * time.Second
)

// AsyncReporter posts profit snapshots to an HTTP endpoint in the background.
// Report never blocks the caller; when the buffer is full the snapshot is
// dropped.
type AsyncReporter struct {
	url    string
	token  string
	client *http.Client
	queue  chan models.ProfitSnapshot
	logger *zap.Logger

	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped int
	sent    int
}

// NewAsyncReporter creates a reporter for url. An empty url disables posting;
// snapshots are then only counted.
func NewAsyncReporter(url, token string, logger *zap.Logger) *AsyncReporter {
	return &AsyncReporter{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: defaultTimeout},
		queue:  make(chan models.ProfitSnapshot, defaultBuffer),
		logger: logger.With(zap.String("component", "reporter")),
	}
}

// Start launches the sender. It runs until Close; snapshots queued before
// Close are delivered even after ctx is cancelled.
func (r *AsyncReporter) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for s := range r.queue {
			r.send(ctx, s)
		}
	}()
}

// Report enqueues a snapshot without blocking.
func (r *AsyncReporter) Report(snapshot models.ProfitSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped++
		return
	}
	select {
	case r.queue <- snapshot:
	default:
		r.dropped++
		r.logger.Debug("report queue full, snapshot dropped", zap.String("slot", snapshot.SlotID))
	}
}

// Close stops accepting snapshots and waits for the sender to finish the
// queued ones.
func (r *AsyncReporter) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		r.wg.Wait()
	})
}

// Stats returns how many snapshots were sent and dropped.
func (r *AsyncReporter) Stats() (sent, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent, r.dropped
}

func (r *AsyncReporter) send(ctx context.Context, s models.ProfitSnapshot) {
	if r.url == "" {
		return
	}
	body, err := json.Marshal(s)
	if err != nil {
		r.logger.Warn("encode profit snapshot", zap.Error(err))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		r.logger.Warn("build report request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("profit report failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		r.logger.Warn("profit report rejected", zap.Int("status", resp.StatusCode))
		return
	}

	r.mu.Lock()
	r.sent++
	r.mu.Unlock()
}

// String is used in status logs.
func (r *AsyncReporter) String() string {
	sent, dropped := r.Stats()
	return fmt.Sprintf("reporter(sent=%d dropped=%d)", sent, dropped)
}
