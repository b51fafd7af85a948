package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ARYANKSofficial/SoulLink/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultMediaTimeout = 10 * time.Second
)

type Config struct {
	Logger    *zerolog.Logger
	Transport MediaTransport
	Signaler  Signaler
	Observer  Observer

	// MediaTimeout bounds the wait for local media before offering or answering.
	MediaTimeout time.Duration
}

// Negotiator drives one peer's side of a call. Every transition runs on the
// goroutine started by Run, events are processed in the order they were
// handed in.
type Negotiator struct {
	logger   zerolog.Logger
	observer Observer
	m        *machine

	mx     *sync.Mutex
	queue  []event
	notify chan struct{}
}

func NewNegotiator(cfg Config) *Negotiator {
	logger := cfg.Logger.With().Str("component", "negotiator").Logger()
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	timeout := cfg.MediaTimeout
	if timeout <= 0 {
		timeout = defaultMediaTimeout
	}
	n := &Negotiator{
		logger:   logger,
		observer: observer,
		mx:       &sync.Mutex{},
		notify:   make(chan struct{}, 1),
	}
	n.m = newMachine(logger, cfg.Transport, cfg.Signaler, observer, timeout)
	n.m.post = n.enqueue
	return n
}

// Run processes events until ctx is done. The current leg is closed on
// exit without notifying the remote.
func (n *Negotiator) Run(ctx context.Context) {
	defer n.m.terminate(StateClosed, false, nil)
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.notify:
		}
		for ctx.Err() == nil {
			ev, ok := n.dequeue()
			if !ok {
				break
			}
			if err := n.m.fire(ctx, ev); err != nil {
				n.logger.Warn().Err(err).
					Stringer("event", ev.kind).
					Str("remote", string(ev.remote)).
					Msg("event rejected")
				if errors.Is(err, ErrProtocolViolation) {
					n.observer.OnRejected(ev.remote, err)
				}
			}
		}
	}
}

// HandleMessage feeds a message received from the signaling server.
// Messages unrelated to negotiation are ignored.
func (n *Negotiator) HandleMessage(msg model.Message) error {
	ev := event{remote: msg.From}
	switch msg.Type {
	case model.TypeUserJoined:
		ev.kind, ev.remote, ev.room = evUserJoined, msg.SessionID, msg.RoomID
	case model.TypeOffer:
		ev.kind = evOffer
		if err := decode(msg.Offer, &ev.desc); err != nil {
			return err
		}
	case model.TypeAnswer:
		ev.kind = evAnswer
		if err := decode(msg.Answer, &ev.desc); err != nil {
			return err
		}
	case model.TypeICECandidate:
		ev.kind = evRemoteCandidate
		if err := decode(msg.Candidate, &ev.candidate); err != nil {
			return err
		}
	case model.TypeEndCall:
		ev.kind = evRemoteEndCall
		n.m.interruptRemote(msg.From)
	case model.TypeRoomJoined:
		if msg.RoomID == "" {
			return fmt.Errorf("%w: %s without a room", ErrProtocolViolation, msg.Type)
		}
		ev.kind, ev.room = evRoomJoined, msg.RoomID
		n.m.interruptRoom(msg.RoomID)
		n.enqueue(ev)
		return nil
	default:
		return nil
	}
	if ev.remote == "" {
		return fmt.Errorf("%w: %s without a sender", ErrProtocolViolation, msg.Type)
	}
	n.enqueue(ev)
	return nil
}

// Hangup ends the current call and leaves the room.
func (n *Negotiator) Hangup() {
	n.m.interrupt(0)
	n.enqueue(event{kind: evHangup})
}

// SignalingLost closes the current call without trying to notify anyone.
func (n *Negotiator) SignalingLost() {
	n.m.interrupt(0)
	n.enqueue(event{kind: evSignalingLost})
}

func (n *Negotiator) Snapshot() Snapshot {
	return n.m.snapshot()
}

func (n *Negotiator) enqueue(ev event) {
	n.mx.Lock()
	n.queue = append(n.queue, ev)
	n.mx.Unlock()
	select {
	case n.notify <- struct{}{}:
	default:
	}
}

func (n *Negotiator) dequeue() (event, bool) {
	n.mx.Lock()
	defer n.mx.Unlock()
	if len(n.queue) == 0 {
		return event{}, false
	}
	ev := n.queue[0]
	n.queue[0] = event{}
	n.queue = n.queue[1:]
	return ev, true
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrProtocolViolation)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(ErrProtocolViolation, err)
	}
	return nil
}
