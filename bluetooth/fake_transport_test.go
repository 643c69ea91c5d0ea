package bluetooth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeEndpoint struct {
	uuid string

	mu       sync.Mutex
	writes   [][]byte
	reads    [][]byte
	readErr  error
	writeErr error
	notify   func([]byte)
}

func (e *fakeEndpoint) UUID() string { return e.uuid }

func (e *fakeEndpoint) Write(ctx context.Context, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writeErr != nil {
		return e.writeErr
	}
	e.writes = append(e.writes, append([]byte(nil), data...))
	return nil
}

// Read pops the next queued payload; the last one is repeated.
func (e *fakeEndpoint) Read(ctx context.Context) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readErr != nil {
		return nil, e.readErr
	}
	if len(e.reads) == 0 {
		return nil, nil
	}
	data := e.reads[0]
	if len(e.reads) > 1 {
		e.reads = e.reads[1:]
	}
	return data, nil
}

func (e *fakeEndpoint) Subscribe(ctx context.Context, fn func([]byte)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = fn
	return nil
}

func (e *fakeEndpoint) push(data []byte) {
	e.mu.Lock()
	fn := e.notify
	e.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (e *fakeEndpoint) written() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.writes...)
}

type fakeSession struct {
	endpoints map[string]*fakeEndpoint

	mu           sync.Mutex
	lost         chan struct{}
	disconnected bool
}

func newFakeSession(mode TransferMode, withChanged bool) *fakeSession {
	s := &fakeSession{
		endpoints: make(map[string]*fakeEndpoint),
		lost:      make(chan struct{}),
	}
	s.add(CommandCharUUID)
	switch mode {
	case ModePush:
		for _, id := range FragmentCharUUIDs {
			s.add(id)
		}
	case ModePull:
		s.add(ScreenCharUUID)
		if withChanged {
			s.add(ScreenChangedCharUUID)
		}
	}
	return s
}

func (s *fakeSession) add(id string) *fakeEndpoint {
	ep := &fakeEndpoint{uuid: id}
	s.endpoints[id] = ep
	return ep
}

func (s *fakeSession) ep(id string) *fakeEndpoint { return s.endpoints[id] }

func (s *fakeSession) Discover(ctx context.Context, id string) (Endpoint, error) {
	for k, ep := range s.endpoints {
		if SameUUID(k, id) {
			return ep, nil
		}
	}
	return nil, ErrEndpointNotFound
}

func (s *fakeSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.disconnected {
		s.disconnected = true
		close(s.lost)
	}
	return nil
}

func (s *fakeSession) Lost() <-chan struct{} { return s.lost }

// drop simulates the peer going away.
func (s *fakeSession) drop() { _ = s.Disconnect() }

func (s *fakeSession) isDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

var errRadio = errors.New("radio: connection refused")

type fakeTransport struct {
	mu       sync.Mutex
	mode     TransferMode
	changed  bool
	fail     int
	attempts int
	sessions []*fakeSession
	prepare  func(*fakeSession)
	// block makes Connect hang until its context ends, like an out of
	// range peer.
	block bool
}

func (t *fakeTransport) Connect(ctx context.Context, peerID string) (Session, error) {
	t.mu.Lock()
	t.attempts++
	if t.block {
		t.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer t.mu.Unlock()
	if t.fail > 0 {
		t.fail--
		return nil, errRadio
	}
	s := newFakeSession(t.mode, t.changed)
	if t.prepare != nil {
		t.prepare(s)
	}
	t.sessions = append(t.sessions, s)
	return s, nil
}

func (t *fakeTransport) setFail(n int) {
	t.mu.Lock()
	t.fail = n
	t.mu.Unlock()
}

func (t *fakeTransport) setBlock(block bool) {
	t.mu.Lock()
	t.block = block
	t.mu.Unlock()
}

func (t *fakeTransport) attemptCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func (t *fakeTransport) last() *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

type manualTimer struct {
	s       *manualScheduler
	f       func()
	stopped bool
	fired   bool
}

func (m *manualTimer) Stop() bool {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	active := !m.stopped && !m.fired
	m.stopped = true
	return active
}

// manualScheduler records reconnect timers and fires them on demand.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
	delays []time.Duration
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{s: s, f: f}
	s.timers = append(s.timers, t)
	s.delays = append(s.delays, d)
	return t
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fire runs the most recent active timer and reports whether one existed.
func (s *manualScheduler) fire() bool {
	s.mu.Lock()
	var next *manualTimer
	for i := len(s.timers) - 1; i >= 0; i-- {
		if t := s.timers[i]; !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	s.mu.Unlock()

	if next == nil {
		return false
	}
	next.f()
	return true
}

type notification struct {
	kind  string
	value bool
}

type recordingObserver struct {
	mu     sync.Mutex
	events []notification
}

func (o *recordingObserver) add(n notification) {
	o.mu.Lock()
	o.events = append(o.events, n)
	o.mu.Unlock()
}

func (o *recordingObserver) ConnectionChanged(c bool)   { o.add(notification{"connection", c}) }
func (o *recordingObserver) ReconnectionChanged(r bool) { o.add(notification{"reconnection", r}) }
func (o *recordingObserver) ScreenUpdated()             { o.add(notification{"screen", true}) }

func (o *recordingObserver) all() []notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]notification(nil), o.events...)
}

func (o *recordingObserver) count(kind string) int {
	n := 0
	for _, e := range o.all() {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func (o *recordingObserver) reset() {
	o.mu.Lock()
	o.events = nil
	o.mu.Unlock()
}

type testRig struct {
	dev       *Device
	transport *fakeTransport
	sched     *manualScheduler
	obs       *recordingObserver
}

func newTestRig(t *testing.T, mode TransferMode) *testRig {
	t.Helper()
	r := &testRig{
		transport: &fakeTransport{mode: mode},
		sched:     &manualScheduler{},
		obs:       &recordingObserver{},
	}
	r.dev = NewDevice(Options{
		Transport: r.transport,
		Observer:  r.obs,
		scheduler: r.sched,
	})
	t.Cleanup(func() { r.dev.Close() })
	return r
}

// flush waits until every queued event has been handled.
func (r *testRig) flush(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		// A request completing after the queue was seen empty means every
		// earlier event has been fully handled.
		empty := len(r.dev.events) == 0
		if err := r.dev.submit(context.Background(), func(context.Context) error { return nil }); err != nil {
			t.Fatalf("flush: %v", err)
		}
		if empty {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("flush: events never drained")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
