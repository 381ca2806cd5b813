package registry

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/burrowhq/burrow/internal/domain"
)

// JobResult completes a [RequestJob].  Exactly one of Resp/Err is set; the
// receiver owns Resp.Body and must close it to release the substream.
type JobResult struct {
	Resp *http.Response
	Err  error
}

// RequestJob is the server-side record of one visitor request in flight to
// a client session.  Reply is unbuffered; the producer must select against
// Canceled so an abandoned job never blocks the session.
type RequestJob struct {
	ID       string
	Method   string
	Head     []byte
	Body     []byte
	Deadline time.Time

	Reply    chan JobResult
	canceled chan struct{}
	once     sync.Once
}

// NewRequestJob builds a job with its reply and cancellation channels.
// The method rides along so the response parser frames HEAD correctly.
func NewRequestJob(id, method string, head, body []byte, deadline time.Time) *RequestJob {
	return &RequestJob{
		ID:       id,
		Method:   method,
		Head:     head,
		Body:     body,
		Deadline: deadline,
		Reply:    make(chan JobResult),
		canceled: make(chan struct{}),
	}
}

// Cancel marks the job abandoned by the router.  A later Deliver becomes a
// no-op and the producer cleans up its resources.
func (j *RequestJob) Cancel() {
	j.once.Do(func() { close(j.canceled) })
}

// Canceled reports router-side abandonment.
func (j *RequestJob) Canceled() <-chan struct{} { return j.canceled }

// Deliver hands the result to the waiting router.  It reports false when
// the router has already given up, in which case the caller keeps
// ownership of the result.
func (j *RequestJob) Deliver(res JobResult) bool {
	select {
	case j.Reply <- res:
		return true
	case <-j.canceled:
		return false
	}
}

// Tunnel binds a registered subdomain to the session that serves it.  The
// registry owns the map entry; the session owns the carrier and consumes
// Jobs until Done is signalled.
type Tunnel struct {
	Subdomain string
	TokenID   string
	CreatedAt time.Time

	jobs      chan *RequestJob
	done      chan struct{}
	closeOnce sync.Once

	lastActivityNano atomic.Int64
	requests         atomic.Uint64
}

// NewTunnel creates a tunnel with a bounded job queue.
func NewTunnel(subdomain, tokenID string, queueSize int) *Tunnel {
	t := &Tunnel{
		Subdomain: subdomain,
		TokenID:   tokenID,
		CreatedAt: time.Now(),
		jobs:      make(chan *RequestJob, queueSize),
		done:      make(chan struct{}),
	}
	t.lastActivityNano.Store(t.CreatedAt.UnixNano())
	return t
}

// Dispatch enqueues a job without blocking.  It fails with ErrTunnelClosed
// once the session is shutting down and ErrQueueFull at capacity.
func (t *Tunnel) Dispatch(job *RequestJob) error {
	select {
	case <-t.done:
		return domain.ErrTunnelClosed
	default:
	}
	select {
	case t.jobs <- job:
		return nil
	case <-t.done:
		return domain.ErrTunnelClosed
	default:
		return domain.ErrQueueFull
	}
}

// Jobs is consumed by the owning session handler.
func (t *Tunnel) Jobs() <-chan *RequestJob { return t.jobs }

// Close signals the owning session to shut down.  Safe to call repeatedly.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

// Done is closed when the tunnel has been deregistered or killed.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// Touch moves the last-activity instant forward.  Stale writers never move
// it backwards.
func (t *Tunnel) Touch() {
	now := time.Now().UnixNano()
	for {
		prev := t.lastActivityNano.Load()
		if now <= prev {
			return
		}
		if t.lastActivityNano.CompareAndSwap(prev, now) {
			return
		}
	}
}

// LastActivity returns the most recent touch instant.
func (t *Tunnel) LastActivity() time.Time {
	return time.Unix(0, t.lastActivityNano.Load())
}

// IdleFor reports how long the tunnel has gone without activity.
func (t *Tunnel) IdleFor(now time.Time) time.Duration {
	return now.Sub(t.LastActivity())
}

// IncrementRequests bumps the request counter and touches activity.
func (t *Tunnel) IncrementRequests() uint64 {
	t.Touch()
	return t.requests.Add(1)
}

// RequestCount returns the number of requests routed to the tunnel so
// far, including ones its queue refused.
func (t *Tunnel) RequestCount() uint64 { return t.requests.Load() }
