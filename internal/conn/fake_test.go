package conn

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/cydjerr/speakjerr/internal/protocol"
)

var errClosed = errors.New("transport closed")

type fakeTransport struct {
	inbound chan []byte
	readErr chan error
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []protocol.Envelope
	pingErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.inbound:
		return b, nil
	case err := <-f.readErr:
		return nil, err
	case <-f.closed:
		return nil, errClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(_ context.Context, frame []byte) error {
	select {
	case <-f.closed:
		return errClosed
	default:
	}
	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.written = append(f.written, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) Close(string) error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// push delivers a server event.
func (f *fakeTransport) push(ev protocol.Event) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		panic(err)
	}
	f.inbound <- frame
}

// breakRead fails the next Read while leaving writes open.
func (f *fakeTransport) breakRead(err error) {
	f.readErr <- err
}

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.written))
	for _, env := range f.written {
		names = append(names, env.Event)
	}
	return names
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out queued transports or errors in order. Once the
// queue is drained every dial fails.
type fakeDialer struct {
	mu       sync.Mutex
	results  []any
	endpoint string
	header   http.Header
	dials    int
}

func (d *fakeDialer) Dial(_ context.Context, endpoint string, header http.Header) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.endpoint = endpoint
	d.header = header
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	next := d.results[0]
	d.results = d.results[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*fakeTransport), nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
