package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opsdash/dispatch-engine/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultMaxAttempts  = domain.MaxAttempts
	requeueTimeout      = 5 * time.Second
)

// Backend stores the jobs of one channel queue.
type Backend interface {
	// Push stores job, assigning its sequence number. Jobs with ReadyAt after
	// now wait until they become eligible.
	Push(ctx context.Context, job Job, now time.Time) error
	// Pop removes and returns the best eligible job, or nil when none is eligible.
	Pop(ctx context.Context, now time.Time) (*Job, error)
	// Len counts waiting and eligible jobs.
	Len(ctx context.Context) (int64, error)
	Close() error
}

// Handler processes one job. Returning a non-nil error schedules a retry
// unless the error is permanent or the attempt budget is spent.
type Handler func(ctx context.Context, job Job) error

// ExhaustedFunc is invoked once for every job that will not be retried.
type ExhaustedFunc func(ctx context.Context, job Job, err error)

// RetryFunc is invoked when a failed job is rescheduled.
type RetryFunc func(job Job, delay time.Duration)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, domain.ErrPreferenceBlocked) || errors.Is(err, domain.ErrDeliveryExhausted)
}

type Options struct {
	Channel      domain.Channel
	Backend      Backend
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	Backoff      Backoff
	OnExhausted  ExhaustedFunc
	OnRetry      RetryFunc
	Logger       *zap.Logger
	Now          func() time.Time
}

// ChannelQueue is a delayed priority queue with its own worker pool.
type ChannelQueue struct {
	channel      domain.Channel
	backend      Backend
	workers      int
	pollInterval time.Duration
	maxAttempts  int
	backoff      Backoff
	onExhausted  ExhaustedFunc
	onRetry      RetryFunc
	logger       *zap.Logger
	now          func() time.Time
	wake         chan struct{}
}

func New(opts Options) (*ChannelQueue, error) {
	if !opts.Channel.IsValid() {
		return nil, fmt.Errorf("invalid channel %q", opts.Channel)
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("queue backend is required")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &ChannelQueue{
		channel:      opts.Channel,
		backend:      opts.Backend,
		workers:      opts.Workers,
		pollInterval: opts.PollInterval,
		maxAttempts:  opts.MaxAttempts,
		backoff:      opts.Backoff,
		onExhausted:  opts.OnExhausted,
		onRetry:      opts.OnRetry,
		logger:       opts.Logger.With(zap.String("channel", opts.Channel.String())),
		now:          opts.Now,
		wake:         make(chan struct{}, 1),
	}, nil
}

func (q *ChannelQueue) Channel() domain.Channel { return q.channel }

func (q *ChannelQueue) Len(ctx context.Context) (int64, error) { return q.backend.Len(ctx) }

func (q *ChannelQueue) Close() error { return q.backend.Close() }

// Enqueue stores job and returns it with its assigned id and ready time.
func (q *ChannelQueue) Enqueue(ctx context.Context, job Job, opts EnqueueOptions) (Job, error) {
	if job.Channel == "" {
		job.Channel = q.channel
	}
	if job.Channel != q.channel {
		return Job{}, fmt.Errorf("job channel %q does not match queue %q", job.Channel, q.channel)
	}
	if opts.Priority > 0 {
		job.Priority = opts.Priority
	}
	if err := job.Validate(); err != nil {
		return Job{}, fmt.Errorf("invalid job: %w", err)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	now := q.now()
	job.ReadyAt = now.Add(max(opts.Delay, 0))

	if err := q.backend.Push(ctx, job, now); err != nil {
		return Job{}, err
	}
	q.signal()
	return job, nil
}

// Run starts the worker pool and blocks until ctx is canceled.
func (q *ChannelQueue) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("queue handler is required")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		workerID := i + 1
		g.Go(func() error {
			q.logger.Info("queue worker started", zap.Int("workerId", workerID))
			q.work(groupCtx, handler)
			q.logger.Info("queue worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}
	return g.Wait()
}

func (q *ChannelQueue) work(ctx context.Context, handler Handler) {
	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := q.backend.Pop(ctx, q.now())
		if err != nil && ctx.Err() == nil {
			q.logger.Error("failed to pop job", zap.Error(err))
		}
		if job != nil {
			q.process(ctx, *job, handler)
			// Another job may already be eligible.
			q.signal()
			continue
		}

		timer.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

func (q *ChannelQueue) process(ctx context.Context, job Job, handler Handler) {
	job.Attempts++
	err := handler(ctx, job)
	if err == nil {
		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the attempt; hand the job back untouched.
		job.Attempts--
		_ = q.requeue(job, q.now())
		return
	}

	if IsPermanent(err) || job.Attempts >= q.maxAttempts {
		q.logger.Warn("job permanently failed",
			zap.String("notificationId", job.NotificationID),
			zap.Int("attempts", job.Attempts),
			zap.Error(err),
		)
		if q.onExhausted != nil {
			q.onExhausted(ctx, job, err)
		}
		return
	}

	delay := q.backoff.Delay(job.Attempts)
	job.ReadyAt = q.now().Add(delay)
	q.logger.Info("job retry scheduled",
		zap.String("notificationId", job.NotificationID),
		zap.Int("attempts", job.Attempts),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	if q.onRetry != nil {
		q.onRetry(job, delay)
	}
	if requeueErr := q.requeue(job, q.now()); requeueErr != nil && q.onExhausted != nil {
		q.onExhausted(ctx, job, fmt.Errorf("%w: %w", domain.ErrDeliveryExhausted, requeueErr))
	}
}

func (q *ChannelQueue) requeue(job Job, now time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()

	if err := q.backend.Push(ctx, job, now); err != nil {
		q.logger.Error("failed to requeue job",
			zap.String("notificationId", job.NotificationID),
			zap.Error(err),
		)
		return err
	}
	q.signal()
	return nil
}

func (q *ChannelQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
