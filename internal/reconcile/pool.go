package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	billerr "vpnbilling/internal/errors"
	"vpnbilling/internal/metrics"
	"vpnbilling/internal/payment"
)

var (
	ErrOverloaded = errors.New("reconciliation queue is full")
	ErrTimeout    = errors.New("reconciliation did not finish in time")
)

type job struct {
	ctx     context.Context
	gateway string
	req     *payment.WebhookRequest
	done    chan jobResult
}

type jobResult struct {
	res *Result
	err error
}

// Pool bounds concurrent reconciliation. Every submission carries the
// processing budget; running out of it is a retryable failure.
type Pool struct {
	rec     *Reconciler
	jobs    chan job
	workers int
	budget  time.Duration
	wg      sync.WaitGroup
}

func NewPool(rec *Reconciler, workers, queue int, budget time.Duration) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queue < workers {
		queue = workers
	}
	if budget <= 0 {
		budget = 20 * time.Second
	}
	return &Pool{
		rec:     rec,
		jobs:    make(chan job, queue),
		workers: workers,
		budget:  budget,
	}
}

// Run starts the workers and blocks until ctx is cancelled and they exit.
func (p *Pool) Run(ctx context.Context) error {
	log.Info().Int("workers", p.workers).Dur("budget", p.budget).Msg("Reconciliation pool started")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	<-ctx.Done()
	p.wg.Wait()
	log.Info().Msg("Reconciliation pool stopped")
	return nil
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			metrics.ReconcileQueueDepth.Dec()
			if err := j.ctx.Err(); err != nil {
				j.done <- jobResult{err: billerr.Transient("reconcile.pool", ErrTimeout)}
				continue
			}
			res, err := p.rec.Process(j.ctx, j.gateway, j.req)
			if err != nil && billerr.IsRetryable(err) {
				log.Warn().Err(err).Int("worker", id).Str("gateway", j.gateway).Msg("Reconciliation failed, gateway will retry")
			}
			j.done <- jobResult{res: res, err: err}
		}
	}
}

// Submit queues a delivery and waits for its result within the budget.
func (p *Pool) Submit(ctx context.Context, gateway string, req *payment.WebhookRequest) (*Result, error) {
	const op = "reconcile.submit"
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	j := job{ctx: ctx, gateway: gateway, req: req, done: make(chan jobResult, 1)}
	metrics.ReconcileQueueDepth.Inc()
	select {
	case p.jobs <- j:
	case <-ctx.Done():
		metrics.ReconcileQueueDepth.Dec()
		return nil, billerr.Transient(op, ErrOverloaded)
	}

	select {
	case r := <-j.done:
		return r.res, r.err
	case <-ctx.Done():
		return nil, billerr.Transient(op, ErrTimeout)
	}
}
