package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	defaultWorkers     = 2
	defaultQueueSize   = 64
	defaultWorkTimeout = 45 * time.Minute
)

// ProcessorConfig configures the background processor.
type ProcessorConfig struct {
	Pipeline  *Pipeline
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Processor runs the immediate-attempt path: intake enqueues a freshly created
// record's id and a worker drives it through Advance without blocking the
// request. Records the queue misses are picked up by the sweep.
type Processor struct {
	pipeline *Pipeline
	workers  int
	timeout  time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue chan string
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

// NewProcessor constructs a processor around the pipeline.
func NewProcessor(cfg ProcessorConfig) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWorkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		pipeline: cfg.Pipeline,
		workers:  workers,
		timeout:  timeout,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan string, queueSize),
		inFlight: make(map[string]struct{}),
	}
}

// Start launches the worker goroutines. Calling Start twice is a no-op.
func (p *Processor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Shutdown stops accepting work and waits for in-flight records to finish or
// the context to expire.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue queues an upload id for an immediate processing attempt. A full
// queue or stopped processor drops the id; the sweep will find it.
func (p *Processor) Enqueue(id string) {
	if p == nil || strings.TrimSpace(id) == "" {
		return
	}
	select {
	case <-p.ctx.Done():
		return
	default:
	}
	select {
	case p.queue <- id:
	default:
		p.logger.Warn("processing queue full, leaving record for the sweep", "upload_id", id)
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-p.queue:
			if strings.TrimSpace(id) == "" {
				continue
			}
			if !p.beginWork(id) {
				continue
			}
			p.runOne(id)
			p.finishWork(id)
		}
	}
}

func (p *Processor) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Processor) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

func (p *Processor) runOne(id string) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	if err := p.pipeline.Advance(ctx, id); err != nil {
		p.logger.Error("immediate processing attempt failed", "upload_id", id, "error", err)
	}
}
