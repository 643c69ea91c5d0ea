package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConnectionState is the lifecycle state of the link to the synth.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Status is a point-in-time copy of the connection state, safe to read
// from any goroutine.
type Status struct {
	State         ConnectionState `json:"-"`
	DeviceName    string          `json:"device_name"`
	PeerID        string          `json:"peer_id"`
	AutoReconnect bool            `json:"auto_reconnect"`
	Mode          TransferMode    `json:"-"`
}

func (s Status) Connected() bool    { return s.State == StateConnected }
func (s Status) Reconnecting() bool { return s.State == StateReconnecting }

// timer is the part of *time.Timer the reconnect logic needs.
type timer interface {
	Stop() bool
}

type scheduler interface {
	AfterFunc(d time.Duration, f func()) timer
}

type wallClock struct{}

func (wallClock) AfterFunc(d time.Duration, f func()) timer { return time.AfterFunc(d, f) }

type eventKind int

const (
	eventFragment eventKind = iota
	eventScreenChanged
	eventSessionLost
	eventReconnectTimer
)

// event is an inbound notification for the device goroutine. gen ties it to
// the session (or reconnect timer) that produced it.
type event struct {
	kind eventKind
	gen  uint64
	slot int
	data []byte
}

// stateMachine owns the peer, session and endpoints. All methods run on the
// device goroutine.
type stateMachine struct {
	log       *zap.Logger
	transport Transport
	observer  Observer
	metrics   *Metrics
	sched     scheduler
	delay     time.Duration
	screen    *FrameBuffer
	post      func(event)
	base      context.Context

	state           ConnectionState
	wantsConnection bool
	autoReconnect   bool
	peer            *Peer
	session         Session
	endpoints       *endpointSet
	transfer        transfer
	sessionGen      uint64

	reconnectTimer timer
	timerGen       uint64

	// attemptMu guards the in-flight reconnect attempt. User requests cancel
	// it from their own goroutine before queuing, so they never wait out
	// ConnectTimeout behind it.
	attemptMu     sync.Mutex
	attemptCancel context.CancelFunc
	aborts        int

	statusMu sync.RWMutex
	status   Status
}

func (sm *stateMachine) Status() Status {
	sm.statusMu.RLock()
	defer sm.statusMu.RUnlock()
	return sm.status
}

func (sm *stateMachine) publish() {
	st := Status{State: sm.state, AutoReconnect: sm.autoReconnect}
	if sm.peer != nil {
		st.DeviceName = sm.peer.Name
		st.PeerID = sm.peer.ID
	}
	if sm.transfer != nil {
		st.Mode = sm.transfer.Mode()
	}

	sm.statusMu.Lock()
	sm.status = st
	sm.statusMu.Unlock()
}

// setState moves to next and, when notify is set, fires the connection and
// reconnection notifications whose value changed. Falling edges fire first.
func (sm *stateMachine) setState(next ConnectionState, notify bool) {
	prev := sm.state
	sm.state = next
	sm.publish()

	if prev != next {
		sm.log.Info("connection state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", next))
	}
	sm.metrics.setConnected(next == StateConnected)
	if !notify {
		return
	}

	wasConn, isConn := prev == StateConnected, next == StateConnected
	wasRec, isRec := prev == StateReconnecting, next == StateReconnecting

	if wasConn && !isConn {
		sm.observer.ConnectionChanged(false)
	}
	if wasRec && !isRec {
		sm.observer.ReconnectionChanged(false)
	}
	if !wasConn && isConn {
		sm.observer.ConnectionChanged(true)
	}
	if !wasRec && isRec {
		sm.observer.ReconnectionChanged(true)
	}
}

// connect is the user-initiated connect. A failure is returned and never
// scheduled for retry.
func (sm *stateMachine) connect(ctx context.Context, peer Peer) error {
	sm.cancelReconnect()
	if sm.session != nil {
		sm.log.Info("replacing existing session", zap.String("peer", sm.peer.ID))
		sm.dropSession()
	}

	sm.peer = &peer
	sm.wantsConnection = true
	sm.setState(StateConnecting, true)

	if err := sm.open(ctx); err != nil {
		sm.log.Warn("connect failed", zap.String("peer", peer.ID), zap.Error(err))
		sm.peer = nil
		sm.wantsConnection = false
		sm.setState(StateDisconnected, true)
		return fmt.Errorf("%w: %s: %w", ErrConnectFailure, peer.ID, err)
	}
	return nil
}

// open connects the transport, acquires a fresh endpoint set and subscribes.
// On success the machine is Connected and an initial screen read has run.
func (sm *stateMachine) open(ctx context.Context) error {
	peer := *sm.peer
	sm.log.Info("connecting", zap.String("peer", peer.ID), zap.String("name", peer.Name))

	session, err := sm.transport.Connect(ctx, peer.ID)
	if err != nil {
		return err
	}

	eps, err := acquireEndpoints(ctx, session)
	if err != nil {
		_ = session.Disconnect()
		return err
	}
	tr := newTransfer(eps, sm.decode)

	sm.sessionGen++
	gen := sm.sessionGen
	err = tr.Subscribe(ctx,
		func(slot int, data []byte) {
			sm.post(event{kind: eventFragment, gen: gen, slot: slot, data: data})
		},
		func() {
			sm.post(event{kind: eventScreenChanged, gen: gen})
		})
	if err != nil {
		_ = session.Disconnect()
		return err
	}

	sm.session = session
	sm.endpoints = eps
	sm.transfer = tr
	sm.setState(StateConnected, true)
	sm.log.Info("connected",
		zap.String("peer", peer.ID),
		zap.Stringer("mode", tr.Mode()))

	go sm.watch(gen, session.Lost())

	sm.refreshScreen(ctx)
	return nil
}

func (sm *stateMachine) watch(gen uint64, lost <-chan struct{}) {
	select {
	case <-lost:
		sm.post(event{kind: eventSessionLost, gen: gen})
	case <-sm.base.Done():
	}
}

// dropSession forgets the current session and tears it down. Events and
// the loss notification of the old session are ignored from here on.
func (sm *stateMachine) dropSession() {
	s := sm.session
	sm.clearSession()
	if s != nil {
		if err := s.Disconnect(); err != nil {
			sm.log.Warn("disconnect failed", zap.Error(err))
		}
	}
}

func (sm *stateMachine) clearSession() {
	sm.sessionGen++
	sm.session = nil
	sm.endpoints = nil
	sm.transfer = nil
}

func (sm *stateMachine) handle(ev event) {
	switch ev.kind {
	case eventSessionLost:
		if ev.gen == sm.sessionGen && sm.session != nil {
			sm.sessionLost()
		}
	case eventReconnectTimer:
		if ev.gen == sm.timerGen && sm.reconnectTimer != nil {
			sm.reconnectTimer = nil
			sm.attemptReconnect()
		}
	case eventFragment:
		if ev.gen != sm.sessionGen || sm.transfer == nil {
			return
		}
		sm.log.Debug("fragment received", zap.Int("slot", ev.slot), zap.Int("bytes", len(ev.data)))
		if pages, ok := sm.transfer.Fragment(ev.slot, ev.data); ok {
			sm.applyScreen(pages)
		}
	case eventScreenChanged:
		if ev.gen != sm.sessionGen || sm.transfer == nil {
			return
		}
		ctx, cancel := context.WithTimeout(sm.base, ConnectTimeout)
		defer cancel()
		sm.refreshScreen(ctx)
	}
}

func (sm *stateMachine) sessionLost() {
	sm.log.Warn("session lost", zap.String("peer", sm.peer.ID), zap.Error(ErrSessionLost))
	sm.dropSession()

	if sm.autoReconnect && sm.wantsConnection {
		sm.setState(StateReconnecting, true)
		sm.attemptReconnect()
		return
	}

	sm.peer = nil
	sm.setState(StateDisconnected, true)
}

// abortAttempt cancels the in-flight reconnect attempt, if any, and holds
// off new attempts until endAbort. Safe to call from any goroutine.
func (sm *stateMachine) abortAttempt() {
	sm.attemptMu.Lock()
	defer sm.attemptMu.Unlock()
	sm.aborts++
	if sm.attemptCancel != nil {
		sm.attemptCancel()
	}
}

func (sm *stateMachine) endAbort() {
	sm.attemptMu.Lock()
	sm.aborts--
	sm.attemptMu.Unlock()
}

// beginAttempt returns the context for one reconnect attempt, or false while
// a user request is pending.
func (sm *stateMachine) beginAttempt() (context.Context, func(), bool) {
	sm.attemptMu.Lock()
	defer sm.attemptMu.Unlock()
	if sm.aborts > 0 {
		return nil, nil, false
	}
	ctx, cancel := context.WithTimeout(sm.base, ConnectTimeout)
	sm.attemptCancel = cancel
	return ctx, func() {
		sm.attemptMu.Lock()
		sm.attemptCancel = nil
		sm.attemptMu.Unlock()
		cancel()
	}, true
}

// attemptReconnect tries once and schedules the next try on failure.
func (sm *stateMachine) attemptReconnect() {
	if sm.state != StateReconnecting || sm.peer == nil {
		return
	}
	sm.cancelReconnect()

	ctx, done, ok := sm.beginAttempt()
	if !ok {
		// The queued request settles the state; keep a retry armed in case
		// it never arrives.
		sm.scheduleReconnect()
		return
	}
	defer done()

	sm.metrics.reconnectAttempt()
	sm.log.Info("reconnect attempt", zap.String("peer", sm.peer.ID))

	if err := sm.open(ctx); err != nil {
		if errors.Is(sm.base.Err(), context.Canceled) {
			return
		}
		sm.log.Warn("reconnect failed",
			zap.String("peer", sm.peer.ID),
			zap.Duration("retry_in", sm.delay),
			zap.Error(err))
		sm.scheduleReconnect()
	}
}

// scheduleReconnect arms the single reconnect timer, replacing any pending one.
func (sm *stateMachine) scheduleReconnect() {
	sm.cancelReconnect()
	gen := sm.timerGen
	sm.reconnectTimer = sm.sched.AfterFunc(sm.delay, func() {
		sm.post(event{kind: eventReconnectTimer, gen: gen})
	})
}

// cancelReconnect stops the pending timer, if any. Safe to call repeatedly.
func (sm *stateMachine) cancelReconnect() {
	sm.timerGen++
	if sm.reconnectTimer != nil {
		sm.reconnectTimer.Stop()
		sm.reconnectTimer = nil
	}
}

func (sm *stateMachine) disconnect() {
	sm.log.Info("disconnect requested", zap.Stringer("state", sm.state))
	sm.wantsConnection = false
	sm.cancelReconnect()
	sm.dropSession()
	sm.peer = nil

	sm.setState(StateDisconnected, false)
	sm.observer.ConnectionChanged(false)
	sm.observer.ReconnectionChanged(false)
}

func (sm *stateMachine) setAutoReconnect(enabled bool) {
	sm.autoReconnect = enabled
	sm.publish()
	if enabled {
		return
	}

	sm.cancelReconnect()
	if sm.state == StateReconnecting {
		sm.peer = nil
		sm.wantsConnection = false
		sm.setState(StateDisconnected, true)
	}
}

// send writes a command frame. Without a command endpoint, or when the
// write fails mid-flight, the frame is dropped.
func (sm *stateMachine) send(ctx context.Context, kind string, frame []byte) {
	if sm.endpoints == nil || sm.endpoints.command == nil {
		sm.metrics.writeIgnored()
		sm.log.Debug("dropping frame", zap.String("kind", kind), zap.Error(ErrWriteIgnored))
		return
	}

	if err := sm.endpoints.command.Write(ctx, frame); err != nil {
		sm.log.Warn("command write failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	sm.metrics.frameSent(kind)
	sm.log.Debug("frame sent", zap.String("kind", kind), zap.Binary("frame", frame))
}

// refreshScreen runs an explicit fetch. Failures leave the previous image.
func (sm *stateMachine) refreshScreen(ctx context.Context) {
	if sm.transfer == nil {
		return
	}

	pages, err := sm.transfer.Fetch(ctx)
	if err != nil {
		sm.log.Warn("screen read failed", zap.Error(err))
		return
	}
	if sm.transfer.Mode() == ModePull {
		sm.metrics.frameSent("page_select")
	}
	sm.applyScreen(pages)
}

func (sm *stateMachine) applyScreen(pages [][]byte) {
	n := sm.screen.Assemble(pages)
	mode := sm.transfer.Mode()
	sm.metrics.screenUpdated(mode)
	sm.log.Debug("screen assembled", zap.Stringer("mode", mode), zap.Int("bytes", n))
	sm.observer.ScreenUpdated()
}

func (sm *stateMachine) decode(payload []byte) []byte {
	out, malformed := decompressRLE(payload, sm.screen.Len())
	if malformed {
		sm.metrics.payloadClipped()
		sm.log.Debug("screen payload clipped",
			zap.Int("payload_bytes", len(payload)),
			zap.Error(ErrMalformedPayload))
	}
	return out
}
