package queue

import (
	"context"
	"fmt"

	"github.com/opsdash/dispatch-engine/internal/domain"
)

// Router dispatches jobs to the queue of their channel.
type Router struct {
	queues map[domain.Channel]*ChannelQueue
}

func NewRouter(queues ...*ChannelQueue) (*Router, error) {
	r := &Router{queues: make(map[domain.Channel]*ChannelQueue, len(queues))}
	for _, q := range queues {
		if q == nil {
			return nil, fmt.Errorf("queue is nil")
		}
		if _, exists := r.queues[q.Channel()]; exists {
			return nil, fmt.Errorf("duplicate queue for channel %q", q.Channel())
		}
		r.queues[q.Channel()] = q
	}
	return r, nil
}

func (r *Router) Enqueue(ctx context.Context, job Job, opts EnqueueOptions) (Job, error) {
	q, ok := r.queues[job.Channel]
	if !ok {
		return Job{}, fmt.Errorf("no queue for channel %q", job.Channel)
	}
	return q.Enqueue(ctx, job, opts)
}

// Depths reports the number of waiting jobs per channel. Channels whose
// backend cannot be read are omitted.
func (r *Router) Depths(ctx context.Context) map[domain.Channel]int64 {
	out := make(map[domain.Channel]int64, len(r.queues))
	for channel, q := range r.queues {
		n, err := q.Len(ctx)
		if err != nil {
			continue
		}
		out[channel] = n
	}
	return out
}

// Queues returns the routed queues in channel order.
func (r *Router) Queues() []*ChannelQueue {
	out := make([]*ChannelQueue, 0, len(r.queues))
	for _, channel := range domain.Channels {
		if q, ok := r.queues[channel]; ok {
			out = append(out, q)
		}
	}
	return out
}

func (r *Router) Close() error {
	var firstErr error
	for _, q := range r.queues {
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
