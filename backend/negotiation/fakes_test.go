package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ARYANKSofficial/SoulLink/backend/model"
	"github.com/davecgh/go-spew/spew"
)

type fakeTrack struct {
	id, kind string
}

func (t fakeTrack) ID() string   { return t.id }
func (t fakeTrack) Kind() string { return t.kind }

type fakeMedia struct {
	tracks  []Track
	stopped atomic.Int32
}

func (m *fakeMedia) Tracks() []Track { return m.tracks }
func (m *fakeMedia) Stop()           { m.stopped.Add(1) }

// fakeTransport hands out fakeConns. When gate is set, media acquisition
// blocks until it is closed.
type fakeTransport struct {
	gate   chan struct{}
	tracks []Track

	// autoConnect makes a connection report connected once both
	// descriptions are set, and emit one local candidate after the local one.
	autoConnect bool

	mx    sync.Mutex
	conns []*fakeConn
	media []*fakeMedia
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		tracks: []Track{fakeTrack{"audio-0", "audio"}, fakeTrack{"video-0", "video"}},
	}
}

func (t *fakeTransport) AcquireLocalMedia(ctx context.Context) (LocalMedia, error) {
	if t.gate != nil {
		select {
		case <-t.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m := &fakeMedia{tracks: t.tracks}
	t.mx.Lock()
	t.media = append(t.media, m)
	t.mx.Unlock()
	return m, nil
}

func (t *fakeTransport) CreateConnection(_ context.Context, events ConnectionEvents) (Connection, error) {
	c := &fakeConn{events: events, auto: t.autoConnect}
	t.mx.Lock()
	t.conns = append(t.conns, c)
	t.mx.Unlock()
	return c, nil
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mx.Lock()
	defer t.mx.Unlock()
	if i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

func (t *fakeTransport) mediaStopped() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	var n int
	for _, m := range t.media {
		n += int(m.stopped.Load())
	}
	return n
}

type fakeConn struct {
	events ConnectionEvents
	auto   bool

	mx        sync.Mutex
	ops       []string
	local     bool
	remote    bool
	closed    bool
	remoteErr error
}

func (c *fakeConn) record(op string) {
	c.mx.Lock()
	c.ops = append(c.ops, op)
	c.mx.Unlock()
}

func (c *fakeConn) Ops() []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *fakeConn) AttachTrack(t Track) error {
	c.record("attach:" + t.ID())
	return nil
}

func (c *fakeConn) CreateOffer(context.Context) (model.SessionDescription, error) {
	c.record("create-offer")
	return model.SessionDescription{Type: "offer", SDP: "v=0\r\no=- offer\r\n"}, nil
}

func (c *fakeConn) CreateAnswer(context.Context) (model.SessionDescription, error) {
	c.record("create-answer")
	return model.SessionDescription{Type: "answer", SDP: "v=0\r\no=- answer\r\n"}, nil
}

func (c *fakeConn) SetLocalDescription(_ context.Context, desc model.SessionDescription) error {
	c.record("local:" + desc.Type)
	c.mx.Lock()
	c.local = true
	c.mx.Unlock()
	if c.auto {
		go c.events.OnICECandidate(model.ICECandidate{Candidate: "candidate:local-" + desc.Type})
		c.maybeConnect()
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(_ context.Context, desc model.SessionDescription) error {
	c.mx.Lock()
	err := c.remoteErr
	c.mx.Unlock()
	if err != nil {
		return err
	}
	c.record("remote:" + desc.Type)
	c.mx.Lock()
	c.remote = true
	c.mx.Unlock()
	if c.auto {
		go c.events.OnRemoteTrack(fakeTrack{"remote-audio", "audio"})
		c.maybeConnect()
	}
	return nil
}

func (c *fakeConn) maybeConnect() {
	c.mx.Lock()
	ready := c.local && c.remote
	c.mx.Unlock()
	if ready {
		go c.events.OnConnectionStateChange(ConnectionStateConnected)
	}
}

func (c *fakeConn) AddICECandidate(cand model.ICECandidate) error {
	c.record("candidate:" + cand.Candidate)
	if cand.Candidate == "bad" {
		return errors.New("malformed candidate")
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mx.Lock()
	c.closed = true
	c.mx.Unlock()
	c.record("close")
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.closed
}

type fakeSignaler struct {
	mx   sync.Mutex
	sent []model.Message
}

func (s *fakeSignaler) Send(msg model.Message) error {
	s.mx.Lock()
	s.sent = append(s.sent, msg)
	s.mx.Unlock()
	return nil
}

func (s *fakeSignaler) Sent() []model.Message {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]model.Message(nil), s.sent...)
}

func (s *fakeSignaler) count(typ string) int {
	var n int
	for _, m := range s.Sent() {
		if m.Type == typ {
			n++
		}
	}
	return n
}

type stateChange struct {
	remote model.SessionID
	state  State
	err    error
}

type recorder struct {
	mx       sync.Mutex
	changes  []stateChange
	rejected []error
	tracks   []Track
}

func (r *recorder) OnStateChange(remote model.SessionID, state State, err error) {
	r.mx.Lock()
	r.changes = append(r.changes, stateChange{remote, state, err})
	r.mx.Unlock()
}

func (r *recorder) OnRemoteTrack(_ model.SessionID, t Track) {
	r.mx.Lock()
	r.tracks = append(r.tracks, t)
	r.mx.Unlock()
}

func (r *recorder) OnRejected(_ model.SessionID, err error) {
	r.mx.Lock()
	r.rejected = append(r.rejected, err)
	r.mx.Unlock()
}

func (r *recorder) Rejected() []error {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]error(nil), r.rejected...)
}

func (r *recorder) last() (stateChange, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if len(r.changes) == 0 {
		return stateChange{}, false
	}
	return r.changes[len(r.changes)-1], true
}

func (r *recorder) reached(s State) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	for _, c := range r.changes {
		if c.state == s {
			return true
		}
	}
	return false
}

func (r *recorder) dump() string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return spew.Sdump(r.changes)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func raw(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func candidateMsg(t *testing.T, from model.SessionID, cand string) model.Message {
	return model.Message{
		Type:      model.TypeICECandidate,
		From:      from,
		Candidate: raw(t, model.ICECandidate{Candidate: cand}),
	}
}

func offerMsg(t *testing.T, from model.SessionID) model.Message {
	return model.Message{
		Type:  model.TypeOffer,
		From:  from,
		Offer: raw(t, model.SessionDescription{Type: "offer", SDP: fmt.Sprintf("v=0\r\no=- %s\r\n", from)}),
	}
}

func answerMsg(t *testing.T, from model.SessionID) model.Message {
	return model.Message{
		Type:   model.TypeAnswer,
		From:   from,
		Answer: raw(t, model.SessionDescription{Type: "answer", SDP: "v=0\r\n"}),
	}
}
