package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"syncqueue/internal/domain"
	"syncqueue/internal/engine"
	"syncqueue/internal/notify"
)

// Result is what a handler reports for a line it synced.
type Result struct {
	RecordID  string
	WasUpdate bool
}

// Handler performs the external work for one line.
type Handler interface {
	Handle(ctx context.Context, line domain.Line) (Result, error)
}

type HandlerFunc func(ctx context.Context, line domain.Line) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, line domain.Line) (Result, error) {
	return f(ctx, line)
}

// Engine is the part of engine.Service a pool drives.
type Engine interface {
	Tenants(ctx context.Context) ([]domain.TenantID, error)
	ListQueues(ctx context.Context, tenant domain.TenantID, limit int) ([]domain.Queue, error)
	GetQueueStatus(ctx context.Context, tenant domain.TenantID, q domain.QueueID) (*domain.QueueStatus, error)
	StartCycle(ctx context.Context, tenant domain.TenantID, q domain.QueueID) error
	ClaimBatch(ctx context.Context, tenant domain.TenantID, q domain.QueueID, batchSize int) ([]domain.Line, error)
	GetRetryableFailed(ctx context.Context, tenant domain.TenantID, q domain.QueueID, maxRetries int) ([]domain.Line, error)
	MarkLinesProcessing(ctx context.Context, tenant domain.TenantID, ids []domain.LineID) (int, error)
	MarkLineDone(ctx context.Context, req engine.MarkLineDoneRequest) error
	MarkLineFailed(ctx context.Context, req engine.MarkLineFailedRequest) (engine.FailureOutcome, error)
	FinishCycle(ctx context.Context, tenant domain.TenantID, q domain.QueueID) (domain.QueueState, error)
	CheckQueueActionRequired(ctx context.Context, tenant domain.TenantID, q domain.QueueID) (bool, error)
	MaxRetries() int
}

type Pool struct {
	svc         Engine
	handler     Handler
	notifier    notify.Notifier
	log         zerolog.Logger
	sem         chan struct{}
	stop        chan struct{}
	stopOnce    sync.Once
	pollEvery   time.Duration
	lineTimeout time.Duration

	mu     sync.Mutex
	active map[domain.QueueID]struct{}
}

type Option func(*Pool)

func WithNotifier(n notify.Notifier) Option {
	return func(p *Pool) {
		if n != nil {
			p.notifier = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithLineTimeout bounds a single Handle call. Keep it below the lease TTL
// so the reaper does not reclaim a line that is still being worked on.
func WithLineTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.lineTimeout = d
		}
	}
}

func NewPool(svc Engine, handler Handler, size int, pollEvery time.Duration, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	if pollEvery <= 0 {
		pollEvery = 5 * time.Second
	}
	p := &Pool{
		svc:         svc,
		handler:     handler,
		notifier:    notify.Nop{},
		log:         log.Logger,
		sem:         make(chan struct{}, size),
		stop:        make(chan struct{}),
		pollEvery:   pollEvery,
		lineTimeout: 5 * time.Minute,
		active:      make(map[domain.QueueID]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls every tenant's open queues and also reacts to ready signals
// until ctx is done or Stop is called.
func (p *Pool) Run(ctx context.Context) error {
	sigCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	signals, err := p.notifier.Subscribe(sigCtx)
	if err != nil {
		p.log.Warn().Err(err).Msg("ready signals unavailable, polling only")
		signals = nil
	}

	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	p.log.Info().Dur("poll_every", p.pollEvery).Int("concurrency", cap(p.sem)).Msg("worker pool started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stop:
			return nil
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			p.runLogged(ctx, sig.TenantID, sig.QueueID)
		case <-t.C:
			p.poll(ctx)
		}
	}
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pool) poll(ctx context.Context) {
	tenants, err := p.svc.Tenants(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to list tenants")
		return
	}
	for _, tenant := range tenants {
		queues, err := p.svc.ListQueues(ctx, tenant, engine.MaxBatchSize)
		if err != nil {
			p.log.Error().Err(err).Str("tenant_id", tenant.String()).Msg("failed to list queues")
			continue
		}
		for _, q := range queues {
			if !runnable(q) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			p.runLogged(ctx, tenant, q.ID)
		}
	}
}

// runnable skips closed queues and queues waiting for an operator.
func runnable(q domain.Queue) bool {
	if q.State.Terminal() || q.IsActionRequired || q.State == domain.QueueProcessing {
		return false
	}
	return q.DraftCount > 0 || q.FailedCount > 0
}

func (p *Pool) runLogged(ctx context.Context, tenant domain.TenantID, q domain.QueueID) {
	rep, err := p.RunCycle(ctx, tenant, q)
	if err != nil {
		p.log.Error().Err(err).Str("queue_id", q.String()).Msg("dispatch cycle failed")
		return
	}
	if rep.Claimed+rep.Retried > 0 {
		p.log.Info().Str("queue_id", q.String()).
			Int("claimed", rep.Claimed).Int("retried", rep.Retried).
			Int("done", rep.Done).Int("failed", rep.Failed).
			Str("state", string(rep.State)).Bool("action_required", rep.ActionRequired).
			Msg("dispatch cycle finished")
	}
}

type CycleReport struct {
	Claimed        int
	Retried        int
	Done           int
	Failed         int
	State          domain.QueueState
	ActionRequired bool
}

// RunCycle runs one dispatch cycle for a queue: claim and handle batches
// until no draft lines remain, give retry-eligible failures one more
// attempt, then settle the queue and check escalation. A queue already in a
// cycle in this process or another one, waiting for an operator, or with
// nothing to do is skipped.
func (p *Pool) RunCycle(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID) (CycleReport, error) {
	var rep CycleReport
	if !p.acquire(queueID) {
		return rep, nil
	}
	defer p.release(queueID)

	st, err := p.svc.GetQueueStatus(ctx, tenant, queueID)
	if err != nil {
		return rep, err
	}
	if st == nil {
		return rep, domain.ErrNotFound
	}
	rep.State = st.State
	rep.ActionRequired = st.IsActionRequired
	if !runnable(st.Queue) {
		return rep, nil
	}
	if err := p.svc.StartCycle(ctx, tenant, queueID); err != nil {
		if errors.Is(err, domain.ErrIllegalTransition) {
			return rep, nil
		}
		return rep, err
	}

	delay := time.Duration(st.BatchDelayMs) * time.Millisecond
	for first := true; ; first = false {
		if !first && delay > 0 {
			select {
			case <-ctx.Done():
				return rep, ctx.Err()
			case <-time.After(delay):
			}
		}
		lines, err := p.svc.ClaimBatch(ctx, tenant, queueID, st.BatchSize)
		if err != nil {
			return rep, err
		}
		if len(lines) == 0 {
			break
		}
		rep.Claimed += len(lines)
		p.handleAll(ctx, lines, &rep)
	}

	if err := p.retryFailed(ctx, tenant, queueID, &rep); err != nil {
		return rep, err
	}

	if rep.State, err = p.svc.FinishCycle(ctx, tenant, queueID); err != nil {
		return rep, err
	}
	if rep.ActionRequired, err = p.svc.CheckQueueActionRequired(ctx, tenant, queueID); err != nil {
		return rep, err
	}
	return rep, nil
}

func (p *Pool) retryFailed(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID, rep *CycleReport) error {
	failed, err := p.svc.GetRetryableFailed(ctx, tenant, queueID, 0)
	if err != nil {
		return err
	}
	var (
		ids   []domain.LineID
		lines []domain.Line
	)
	for _, l := range failed {
		if l.ErrorCount >= p.svc.MaxRetries() {
			continue
		}
		ids = append(ids, l.ID)
		lines = append(lines, l)
		if len(ids) == engine.MaxBatchSize {
			break
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.svc.MarkLinesProcessing(ctx, tenant, ids); err != nil {
		return err
	}
	rep.Retried += len(lines)
	p.handleAll(ctx, lines, rep)
	return nil
}

func (p *Pool) handleAll(ctx context.Context, lines []domain.Line, rep *CycleReport) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, line := range lines {
		p.sem <- struct{}{}
		wg.Add(1)
		go func(l domain.Line) {
			defer func() { <-p.sem; wg.Done() }()
			ok := p.handle(ctx, l)
			mu.Lock()
			if ok {
				rep.Done++
			} else {
				rep.Failed++
			}
			mu.Unlock()
		}(line)
	}
	wg.Wait()
}

func (p *Pool) handle(ctx context.Context, l domain.Line) bool {
	c, cancel := context.WithTimeout(ctx, p.lineTimeout)
	res, err := p.handler.Handle(c, l)
	cancel()
	if err != nil {
		if _, ferr := p.svc.MarkLineFailed(ctx, engine.MarkLineFailedRequest{
			TenantID: l.TenantID, QueueID: l.QueueID, LineID: l.ID, Message: err.Error(),
		}); ferr != nil {
			p.log.Error().Err(ferr).Str("line_id", l.ID.String()).Msg("failed to record line failure")
		}
		return false
	}
	if derr := p.svc.MarkLineDone(ctx, engine.MarkLineDoneRequest{
		TenantID: l.TenantID, QueueID: l.QueueID, LineID: l.ID,
		ResultRecordID: res.RecordID, WasUpdate: res.WasUpdate,
	}); derr != nil {
		p.log.Error().Err(derr).Str("line_id", l.ID.String()).Msg("failed to record line success")
		return false
	}
	return true
}

func (p *Pool) acquire(q domain.QueueID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.active[q]; busy {
		return false
	}
	p.active[q] = struct{}{}
	return true
}

func (p *Pool) release(q domain.QueueID) {
	p.mu.Lock()
	delete(p.active, q)
	p.mu.Unlock()
}
