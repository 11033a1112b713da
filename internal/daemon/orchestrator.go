package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/webrelay/internal/channel"
	"github.com/msageha/webrelay/internal/events"
	"github.com/msageha/webrelay/internal/idempotency"
	"github.com/msageha/webrelay/internal/logging"
	"github.com/msageha/webrelay/internal/metrics"
	"github.com/msageha/webrelay/internal/model"
	"github.com/msageha/webrelay/internal/parser"
	"github.com/msageha/webrelay/internal/prompt"
)

// DefaultQueueCapacity bounds the FIFO between ingress and the worker.
const DefaultQueueCapacity = 64

const stoppedMessage = "engine stopped before job started"

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Channel     channel.AnswerChannel
	Builder     *prompt.Builder
	Parser      parser.Parser
	Idempotency idempotency.Store
	Bus         *events.Bus
	Capacity    int
	// Timeout is the exchange timeout, quoted in timeout results.
	Timeout time.Duration
	Logger  zerolog.Logger
}

type request struct {
	ctx     context.Context
	job     model.Job
	ingress string
	done    func(model.Result)
	status  model.JobStatus
}

// advance moves r along queued, running, terminal and refuses any other step.
func (r *request) advance(to model.JobStatus) error {
	if err := model.ValidateJobTransition(r.status, to); err != nil {
		return fmt.Errorf("job %s: %w", r.job.ID, err)
	}
	r.status = to
	return nil
}

// Orchestrator owns the job queue and the single worker that runs exchanges.
// Both ingress paths enqueue into the same FIFO, so exchanges never overlap.
type Orchestrator struct {
	ch      channel.AnswerChannel
	builder *prompt.Builder
	parser  parser.Parser
	idem    idempotency.Store
	bus     *events.Bus
	timeout time.Duration
	logger  zerolog.Logger

	queue    chan *request
	stopping chan struct{}

	mu     sync.RWMutex
	closed bool

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
	now       func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	idem := cfg.Idempotency
	if idem == nil {
		idem = idempotency.Nop{}
	}
	return &Orchestrator{
		ch:       cfg.Channel,
		builder:  cfg.Builder,
		parser:   cfg.Parser,
		idem:     idem,
		bus:      cfg.Bus,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		queue:    make(chan *request, capacity),
		stopping: make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the worker. Calling it more than once has no effect.
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() {
		o.wg.Add(1)
		go o.worker()
		o.logger.Info().Int("capacity", cap(o.queue)).Str("backend", o.ch.Backend()).Msg("orchestrator_started")
	})
}

// Close stops intake and waits for the in-flight job, bounded by ctx. Jobs
// still queued are answered with a failed result without being executed.
func (o *Orchestrator) Close(ctx context.Context) error {
	var err error
	o.closeOnce.Do(func() {
		close(o.stopping)
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()

		done := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("wait for in-flight job: %w", ctx.Err())
			o.logger.Warn().Msg("orchestrator_close_timeout")
		}

		n := o.drain()
		o.logger.Info().Int("dropped", n).Msg("orchestrator_stopped")
	})
	return err
}

// QueueDepth is the number of jobs waiting for the worker.
func (o *Orchestrator) QueueDepth() int { return len(o.queue) }

// Submit validates and enqueues job, then waits for its Result. Rejections
// before enqueue are returned as errors: a *model.ValidationError,
// model.ErrDuplicateJob, model.ErrQueueFull or model.ErrClosed. If ctx ends
// while the job is queued or running, the job still runs and ctx.Err() is
// returned.
func (o *Orchestrator) Submit(ctx context.Context, job model.Job, ingress string) (model.Result, error) {
	resCh := make(chan model.Result, 1)
	if err := o.admit(ctx, job, ingress, func(r model.Result) { resCh <- r }, false); err != nil {
		return model.Result{}, err
	}
	select {
	case r := <-resCh:
		return r, nil
	case <-ctx.Done():
		return model.Result{}, ctx.Err()
	}
}

// Enqueue validates job and queues it, waiting for space when the queue is
// full. done is called exactly once with the job's Result, from the worker or
// from Close.
func (o *Orchestrator) Enqueue(ctx context.Context, job model.Job, ingress string, done func(model.Result)) error {
	return o.admit(ctx, job, ingress, done, true)
}

func (o *Orchestrator) admit(ctx context.Context, job model.Job, ingress string, done func(model.Result), wait bool) error {
	if err := job.Validate(); err != nil {
		metrics.IncRejected(ingress, "invalid")
		return err
	}
	fresh, err := o.idem.PutOnce(ctx, job.ID)
	if err != nil {
		// An unavailable store must not block work.
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("idempotency_unavailable")
		fresh = true
	}
	if !fresh {
		metrics.IncRejected(ingress, "duplicate")
		return fmt.Errorf("%w: %s", model.ErrDuplicateJob, job.ID)
	}

	req := &request{ctx: ctx, job: job, ingress: ingress, done: done, status: model.JobStatusQueued}
	if err := o.push(ctx, req, wait); err != nil {
		if ferr := o.idem.Forget(context.WithoutCancel(ctx), job.ID); ferr != nil {
			o.logger.Warn().Err(ferr).Str("job_id", job.ID).Msg("idempotency_forget_failed")
		}
		reason := "closed"
		if errors.Is(err, model.ErrQueueFull) {
			reason = "queue_full"
		}
		metrics.IncRejected(ingress, reason)
		return err
	}

	depth := len(o.queue)
	metrics.SetQueueDepth(depth)
	o.publish(events.Event{Type: events.EventJobQueued, JobID: job.ID, Kind: job.Kind, Ingress: ingress})
	o.logger.Info().Str("job_id", job.ID).Str("kind", string(job.Kind)).
		Str("ingress", ingress).Int("queue_depth", depth).Msg("job_enqueued")
	return nil
}

func (o *Orchestrator) push(ctx context.Context, req *request, wait bool) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return model.ErrClosed
	}
	select {
	case <-o.stopping:
		return model.ErrClosed
	default:
	}
	if !wait {
		select {
		case o.queue <- req:
			return nil
		default:
			return model.ErrQueueFull
		}
	}
	select {
	case o.queue <- req:
		return nil
	case <-o.stopping:
		return model.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopping:
			return
		case req := <-o.queue:
			select {
			case <-o.stopping:
				o.answerStopped(req)
				continue
			default:
			}
			o.run(req)
		}
	}
}

// drain answers every queued request and returns how many there were.
func (o *Orchestrator) drain() int {
	n := 0
	for {
		select {
		case req := <-o.queue:
			o.answerStopped(req)
			n++
		default:
			metrics.SetQueueDepth(0)
			return n
		}
	}
}

func (o *Orchestrator) answerStopped(req *request) {
	if err := req.advance(model.JobStatusDropped); err != nil {
		o.logger.Error().Err(err).Msg("job_state_invalid")
		return
	}
	res := model.Failed(req.job.ID, req.job.Kind, req.job.SessionID, stoppedMessage)
	res.Outcome = model.OutcomeDropped
	res.Backend = o.ch.Backend()
	metrics.ObserveJob(string(req.job.Kind), req.ingress, string(res.Outcome), 0)
	o.publish(events.Event{Type: events.EventJobDropped, JobID: req.job.ID, Kind: req.job.Kind, Ingress: req.ingress, Result: &res})
	o.logger.Warn().Str("job_id", req.job.ID).Msg("job_dropped")
	req.done(res)
}

func (o *Orchestrator) run(req *request) {
	if err := req.advance(model.JobStatusRunning); err != nil {
		o.logger.Error().Err(err).Msg("job_state_invalid")
		return
	}
	metrics.SetQueueDepth(len(o.queue))
	o.publish(events.Event{Type: events.EventJobStarted, JobID: req.job.ID, Kind: req.job.Kind, Ingress: req.ingress})

	// A caller that stops waiting does not cancel the exchange.
	ctx := logging.WithJobID(context.WithoutCancel(req.ctx), req.job.ID)
	res := o.execute(ctx, req.job)

	metrics.ObserveJob(string(req.job.Kind), req.ingress, string(res.Outcome), res.Timing)
	o.publish(events.Event{Type: events.EventJobFinished, JobID: req.job.ID, Kind: req.job.Kind, Ingress: req.ingress, Result: &res})
	ev := o.logger.Info()
	if !res.OK {
		ev = o.logger.Warn().Str("error", res.Error)
	}
	ev.Str("job_id", res.JobID).Bool("ok", res.OK).Str("outcome", string(res.Outcome)).
		Int64("execution_time_ms", res.Timing.Milliseconds()).Msg("job_finished")
	if err := req.advance(model.StatusOf(res)); err != nil {
		o.logger.Error().Err(err).Msg("job_state_invalid")
		return
	}
	req.done(res)
}

// execute runs one job through the answer channel and turns the reply into a
// Result. It never panics and never returns without a Result.
func (o *Orchestrator) execute(ctx context.Context, job model.Job) (res model.Result) {
	start := o.now()
	log := logging.With(ctx, o.logger)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job_panic")
			res = model.Failed(job.ID, job.Kind, job.SessionID, fmt.Sprintf("internal error: %v", r))
		}
		res.Timing = o.now().Sub(start)
		res.Backend = o.ch.Backend()
	}()

	text := o.builder.Build(job)
	log.Debug().Str("prompt", logging.Preview(text, 120)).Int("prompt_len", len(text)).Msg("prompt_built")

	ex, err := o.ch.Exchange(ctx, text)
	if err != nil {
		res = model.Failed(job.ID, job.Kind, job.SessionID, err.Error())
		res.Handle = ex.Handle
		if model.IsConnectivity(err) {
			res.Outcome = model.OutcomeConnectivity
		}
		return res
	}
	if !ex.Complete {
		res = model.Failed(job.ID, job.Kind, job.SessionID,
			fmt.Sprintf("timeout: no complete reply within %s", o.timeout))
		res.Outcome = model.OutcomeTimeout
		res.PartialText = ex.Text
		res.Handle = ex.Handle
		return res
	}

	var action model.ParsedAction
	if job.Kind == model.KindSelfLoop {
		action = parser.ParseSelfLoop(ex.Text)
	} else {
		action, err = o.parser.Parse(ex.Text)
		if err != nil {
			res = model.Failed(job.ID, job.Kind, job.SessionID, err.Error())
			if model.IsValidation(err) {
				res.Outcome = model.OutcomeValidation
			}
			res.PartialText = ex.Text
			res.Handle = ex.Handle
			return res
		}
	}
	res = model.Succeeded(job, action)
	res.Handle = ex.Handle
	log.Debug().Str("action", action.ActionName()).Msg("reply_parsed")
	return res
}

func (o *Orchestrator) publish(e events.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}
