package negotiation

import (
	"context"
	"sync"
	"time"
)

// mediaFuture is local media acquisition started ahead of the moment the
// tracks are needed.
type mediaFuture struct {
	done chan struct{}

	mx       sync.Mutex
	ready    bool
	released bool
	media    LocalMedia
	err      error
}

func acquireMedia(ctx context.Context, transport MediaTransport) *mediaFuture {
	f := &mediaFuture{done: make(chan struct{})}
	go func() {
		media, err := transport.AcquireLocalMedia(ctx)

		f.mx.Lock()
		f.media, f.err, f.ready = media, err, true
		released := f.released
		f.mx.Unlock()
		close(f.done)

		// the leg is already gone, nobody else will stop it
		if released && media != nil {
			media.Stop()
		}
	}()
	return f
}

func (f *mediaFuture) wait(ctx context.Context, timeout time.Duration) (LocalMedia, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.media, f.err
	case <-timer.C:
		return nil, ErrMediaTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release stops the media now, or as soon as acquisition completes.
func (f *mediaFuture) release() {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.released {
		return
	}
	f.released = true
	if f.ready && f.media != nil {
		f.media.Stop()
	}
}
