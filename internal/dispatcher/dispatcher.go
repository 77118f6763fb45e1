package dispatcher

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agenthub/internal/config"
	"agenthub/internal/models"
	"agenthub/internal/redis"
	"agenthub/internal/service/generate"
	"agenthub/internal/service/session"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrDispatcherBusy is returned when the inbound queue is full.
var ErrDispatcherBusy = errors.New("dispatcher queue full")

// StreamRequest carries one inbound message through the dispatcher.
type StreamRequest struct {
	Context   context.Context
	TenantID  string
	AgentID   string
	SessionID string
	Provider  string
	Model     string
	Role      models.Role
	Content   string
	// ChunkFn receives content fragments in generation order.
	ChunkFn func(string) error
}

// Config sizes the dispatcher's queue and worker pool.
type Config struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
	HistoryWindow     int
}

type job struct {
	req      StreamRequest
	resultCh chan jobResult
	stop     bool
}

type jobResult struct {
	message *models.Message
	err     error
}

type sessionQueue struct {
	jobs     []job
	enqueued bool // in the ready list
	running  bool // a job for this session is executing
}

// Dispatcher serializes message handling per session while staying fair
// across sessions: each session holds a FIFO queue, the ready list rotates
// round-robin, and at most one job per session runs at a time.
type Dispatcher struct {
	sessions  *session.Service
	providers map[string]config.ProviderConfig
	factory   generate.Factory
	cache     *stateCache
	pool      *jobChannelPool
	jobQueue  chan job
	wakeCh    chan struct{}
	window    int

	mu        sync.Mutex
	queues    map[string]*sessionQueue
	ready     *list.List // round-robin queue of session ids
	positions map[string]*list.Element
}

func New(sessions *session.Service, providers map[string]config.ProviderConfig, cfg Config, cacheClient *redis.Client) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	d := &Dispatcher{
		sessions:  sessions,
		providers: providers,
		factory:   generate.New,
		cache:     newStateCache(cacheClient, uuid.NewString()),
		jobQueue:  make(chan job, cfg.QueueSize),
		wakeCh:    make(chan struct{}, 1),
		window:    cfg.HistoryWindow,
		queues:    make(map[string]*sessionQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, d.execute)

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}
	go d.run()
	return d
}

// Stream enqueues the request and blocks until its response stream has
// completed, returning the stored agent message.
func (d *Dispatcher) Stream(req StreamRequest) (*models.Message, error) {
	if req.SessionID == "" {
		return nil, errors.New("session id required")
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}
	resultCh := make(chan jobResult, 1)
	select {
	case d.jobQueue <- job{req: req, resultCh: resultCh}:
	default:
		return nil, ErrDispatcherBusy
	}
	ret := <-resultCh
	return ret.message, ret.err
}

// Invalidate drops any cached state for the session across all processes.
// Called after end/clear operations.
func (d *Dispatcher) Invalidate(sessionID string) {
	d.cache.invalidate(sessionID)
}

func (d *Dispatcher) run() {
	for {
		if !d.dispatchOne() {
			select {
			case j := <-d.jobQueue:
				d.enqueueJob(j)
			case <-d.wakeCh:
			}
			continue
		}
		select {
		case j := <-d.jobQueue:
			d.enqueueJob(j)
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(j job) {
	sid := j.req.SessionID

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[sid]
	if q == nil {
		q = &sessionQueue{}
		d.queues[sid] = q
	}
	q.jobs = append(q.jobs, j)
	if q.enqueued || q.running {
		return
	}
	q.enqueued = true
	elem := d.ready.PushBack(sid)
	d.positions[sid] = elem
}

// dispatchOne hands the front session's next job to a worker. The session
// leaves the ready list until the job completes so responses within one
// session never interleave.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	sid := elem.Value.(string)
	q := d.queues[sid]
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.enqueued = false
	q.running = true
	d.ready.Remove(elem)
	delete(d.positions, sid)
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	workerChan <- j
	return true
}

// finish releases the session for its next queued job, if any.
func (d *Dispatcher) finish(sessionID string) {
	d.mu.Lock()
	q := d.queues[sessionID]
	if q != nil {
		q.running = false
		if len(q.jobs) > 0 && !q.enqueued {
			q.enqueued = true
			elem := d.ready.PushBack(sessionID)
			d.positions[sessionID] = elem
		} else if len(q.jobs) == 0 {
			delete(d.queues, sessionID)
		}
	}
	d.mu.Unlock()

	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) execute(j job) {
	msg, err := d.handleStream(j.req)
	if j.resultCh != nil {
		j.resultCh <- jobResult{message: msg, err: err}
	}
	d.finish(j.req.SessionID)
}

func (d *Dispatcher) handleStream(req StreamRequest) (*models.Message, error) {
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}

	userMsg, err := d.sessions.AppendMessage(ctx, req.SessionID, req.Role, req.Content)
	if err != nil {
		return nil, err
	}

	history, ok := d.cache.loadHistory(req.SessionID)
	if ok {
		history = append(history, userMsg)
	} else {
		history, err = d.sessions.RecentHistory(ctx, req.SessionID, d.window)
		if err != nil {
			return nil, err
		}
	}

	gen, err := d.generator(req.Provider, req.Model)
	if err != nil {
		return nil, err
	}

	chunkFn := func(fragment string) error {
		d.cache.publishFragment(req.SessionID, FrameChunk, fragment)
		if req.ChunkFn != nil {
			return req.ChunkFn(fragment)
		}
		return nil
	}
	reply, err := gen.StreamReply(ctx, history, chunkFn)
	if err != nil {
		d.cache.publishFragment(req.SessionID, FrameError, err.Error())
		return nil, err
	}

	agentMsg, err := d.sessions.AppendMessage(ctx, req.SessionID, models.RoleAgent, reply.Content)
	if err != nil {
		return nil, err
	}
	d.cache.publishFragment(req.SessionID, FrameEnd, agentMsg.Content)

	history = append(history, agentMsg)
	if len(history) > d.window {
		history = history[len(history)-d.window:]
	}
	d.cache.cacheHistory(req.SessionID, history)

	log.Debug().
		Str("component", "dispatcher").
		Str("session_id", req.SessionID).
		Int64("seq", agentMsg.Seq).
		Msg("response stream completed")
	return agentMsg, nil
}

func (d *Dispatcher) generator(provider, modelType string) (generate.Generator, error) {
	provCfg, ok := d.providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	return d.factory(provider, provCfg, modelType)
}
