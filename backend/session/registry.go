package session

import (
	"errors"
	"sync"

	"github.com/ARYANKSofficial/SoulLink/backend/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultQueueSize = 256
)

var (
	ErrRegister  = errors.New("unable to register session")
	ErrNotLive   = errors.New("session is not live")
	ErrQueueFull = errors.New("session outbound queue is full")
)

type outbound struct {
	mx     sync.Mutex
	closed bool
	tx     chan model.Message
}

// enqueue never blocks. Closing under the same mutex guarantees nothing is
// sent on a closed channel.
func (o *outbound) enqueue(msg model.Message) error {
	o.mx.Lock()
	defer o.mx.Unlock()
	if o.closed {
		return ErrNotLive
	}
	select {
	case o.tx <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (o *outbound) close() {
	o.mx.Lock()
	if !o.closed {
		o.closed = true
		close(o.tx)
	}
	o.mx.Unlock()
}

type Config struct {
	Logger    *zerolog.Logger
	QueueSize int
}

// Registry maps live transport connections to session identities.
type Registry struct {
	logger    zerolog.Logger
	queueSize int

	mx       *sync.RWMutex
	sessions map[model.SessionID]*outbound

	hooksMx *sync.Mutex
	hooks   []func(model.SessionID)
}

func NewRegistry(cfg Config) *Registry {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Registry{
		logger:    cfg.Logger.With().Str("component", "session-registry").Logger(),
		queueSize: size,
		mx:        &sync.RWMutex{},
		sessions:  make(map[model.SessionID]*outbound),
		hooksMx:   &sync.Mutex{},
	}
}

// OnRelease adds a hook that runs synchronously inside Unregister after the
// session has been removed.
func (r *Registry) OnRelease(fn func(model.SessionID)) {
	r.hooksMx.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMx.Unlock()
}

// Register assigns a new session identity and returns its outbound queue.
// The queue is closed when the session is unregistered.
func (r *Registry) Register() (model.SessionID, <-chan model.Message, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", nil, errors.Join(ErrRegister, err)
	}
	sid := model.SessionID(id.String())
	out := &outbound{tx: make(chan model.Message, r.queueSize)}

	r.mx.Lock()
	r.sessions[sid] = out
	r.mx.Unlock()

	r.logger.Debug().Str("sessionID", string(sid)).Msg("session registered")
	return sid, out.tx, nil
}

// Unregister is idempotent. It reports whether the session was live.
func (r *Registry) Unregister(id model.SessionID) bool {
	r.mx.Lock()
	out, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mx.Unlock()
	if !ok {
		return false
	}
	out.close()

	r.hooksMx.Lock()
	hooks := append([]func(model.SessionID){}, r.hooks...)
	r.hooksMx.Unlock()
	for _, hook := range hooks {
		hook(id)
	}

	r.logger.Debug().Str("sessionID", string(id)).Msg("session unregistered")
	return true
}

func (r *Registry) IsLive(id model.SessionID) bool {
	r.mx.RLock()
	_, ok := r.sessions[id]
	r.mx.RUnlock()
	return ok
}

// Deliver enqueues msg for the session. A session whose queue is full has
// stopped reading and is unregistered, which runs the disconnect path.
func (r *Registry) Deliver(id model.SessionID, msg model.Message) error {
	err := r.enqueue(id, msg)
	if errors.Is(err, ErrQueueFull) {
		r.logger.Error().
			Str("sessionID", string(id)).
			Str("type", msg.Type).
			Msg("dead endpoint, outbound queue is full")
		r.Unregister(id)
	}
	return err
}

// enqueue holds the read lock while sending so a concurrent Unregister
// cannot interleave between lookup and send.
func (r *Registry) enqueue(id model.SessionID, msg model.Message) error {
	r.mx.RLock()
	defer r.mx.RUnlock()

	out, ok := r.sessions[id]
	if !ok {
		return ErrNotLive
	}
	return out.enqueue(msg)
}

func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.sessions)
}
