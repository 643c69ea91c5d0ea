package bluetooth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/paypal/gatt"
	"github.com/paypal/gatt/examples/option"
	"go.uber.org/zap"
)

const hciMTU = 500

type hciPeer struct {
	p     gatt.Peripheral
	peer  Peer
	synth bool
}

// HCITransport drives the local controller directly over an HCI socket,
// without BlueZ. It owns the single gatt.Device of the process and serves
// as Transport, Selector and Scanner.
type HCITransport struct {
	log     *zap.Logger
	dev     gatt.Device
	timeout time.Duration

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	seen     map[string]hciPeer
	changed  chan struct{}
	pending  map[string]chan error
	sessions map[string]*hciSession
}

func NewHCITransport(scanTimeout time.Duration, logger *zap.Logger) (*HCITransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scanTimeout <= 0 {
		scanTimeout = DefaultScanTimeout
	}

	d, err := gatt.NewDevice(option.DefaultClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to open hci device: %w", err)
	}

	t := &HCITransport{
		log:      logger.Named("hci"),
		dev:      d,
		timeout:  scanTimeout,
		ready:    make(chan struct{}),
		seen:     make(map[string]hciPeer),
		changed:  make(chan struct{}),
		pending:  make(map[string]chan error),
		sessions: make(map[string]*hciSession),
	}

	d.Handle(
		gatt.PeripheralDiscovered(t.onDiscovered),
		gatt.PeripheralConnected(t.onConnected),
		gatt.PeripheralDisconnected(t.onDisconnected),
	)
	if err := d.Init(t.onStateChanged); err != nil {
		return nil, fmt.Errorf("failed to init hci device: %w", err)
	}
	return t, nil
}

// Close stops the HCI device. gatt only exposes Stop on its concrete
// Linux device, so other implementations are left running.
func (t *HCITransport) Close() error {
	if s, ok := t.dev.(interface{ Stop() error }); ok {
		return s.Stop()
	}
	return nil
}

func (t *HCITransport) onStateChanged(d gatt.Device, s gatt.State) {
	t.log.Info("controller state changed", zap.Stringer("state", s))
	switch s {
	case gatt.StatePoweredOn:
		t.readyOnce.Do(func() { close(t.ready) })
	default:
		d.StopScanning()
	}
}

func (t *HCITransport) waitReady(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("controller not powered on: %w", ErrTransportUnavailable)
	}
}

func (t *HCITransport) onDiscovered(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
	name := a.LocalName
	if name == "" {
		name = p.Name()
	}
	uuids := make([]string, len(a.Services))
	for i, u := range a.Services {
		uuids[i] = u.String()
	}

	entry := hciPeer{p: p, peer: Peer{ID: p.ID(), Name: name}, synth: isSynth(name, uuids)}
	if entry.synth {
		t.log.Debug("synth advertisement", zap.String("id", p.ID()), zap.String("name", name), zap.Int("rssi", rssi))
	}

	t.mu.Lock()
	t.seen[p.ID()] = entry
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
}

func (t *HCITransport) onConnected(p gatt.Peripheral, err error) {
	t.mu.Lock()
	ch, ok := t.pending[p.ID()]
	delete(t.pending, p.ID())
	t.mu.Unlock()

	if !ok {
		t.log.Warn("unexpected connection", zap.String("id", p.ID()))
		t.dev.CancelConnection(p)
		return
	}
	ch <- err
}

func (t *HCITransport) onDisconnected(p gatt.Peripheral, err error) {
	t.log.Info("peripheral disconnected", zap.String("id", p.ID()), zap.Error(err))

	t.mu.Lock()
	s := t.sessions[p.ID()]
	delete(t.sessions, p.ID())
	t.mu.Unlock()

	if s != nil {
		s.markLost()
	}
}

// scan runs an active scan until done reports true or ctx ends.
func (t *HCITransport) scan(ctx context.Context, done func(seen map[string]hciPeer) bool) error {
	if err := t.waitReady(ctx); err != nil {
		return err
	}

	t.dev.Scan([]gatt.UUID{}, true)
	defer t.dev.StopScanning()

	for {
		t.mu.Lock()
		finished := done(t.seen)
		changed := t.changed
		t.mu.Unlock()
		if finished {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func synthPeers(seen map[string]hciPeer) []Peer {
	var peers []Peer
	for _, e := range seen {
		if e.synth {
			peers = append(peers, e.peer)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func (t *HCITransport) Select(ctx context.Context) (Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var found Peer
	err := t.scan(ctx, func(seen map[string]hciPeer) bool {
		if peers := synthPeers(seen); len(peers) > 0 {
			found = peers[0]
			return true
		}
		return false
	})
	if found.ID != "" {
		return found, nil
	}
	if err == context.DeadlineExceeded {
		return Peer{}, ErrTransportUnavailable
	}
	return Peer{}, err
}

func (t *HCITransport) Scan(ctx context.Context) ([]Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var peers []Peer
	err := t.scan(ctx, func(seen map[string]hciPeer) bool {
		peers = synthPeers(seen)
		return false
	})
	if err == context.DeadlineExceeded {
		err = nil
	}
	return peers, err
}

// Connect needs the peripheral from an advertisement, so unknown peers are
// scanned for first.
func (t *HCITransport) Connect(ctx context.Context, peerID string) (Session, error) {
	var p gatt.Peripheral
	err := t.scan(ctx, func(seen map[string]hciPeer) bool {
		e, ok := seen[peerID]
		p = e.p
		return ok
	})
	if err != nil {
		return nil, fmt.Errorf("peer %s not found: %w", peerID, err)
	}

	result := make(chan error, 1)
	t.mu.Lock()
	t.pending[peerID] = result
	t.mu.Unlock()

	t.log.Info("connecting", zap.String("id", peerID))
	t.dev.Connect(p)

	select {
	case err := <-result:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, peerID)
		t.mu.Unlock()
		t.dev.CancelConnection(p)
		return nil, ctx.Err()
	}

	s := &hciSession{t: t, p: p, log: t.log.With(zap.String("id", peerID)), lost: make(chan struct{})}
	t.mu.Lock()
	t.sessions[peerID] = s
	t.mu.Unlock()

	if err := s.discover(); err != nil {
		_ = s.Disconnect()
		return nil, err
	}
	return s, nil
}

type hciSession struct {
	t     *HCITransport
	p     gatt.Peripheral
	log   *zap.Logger
	chars []*gatt.Characteristic

	lost     chan struct{}
	lostOnce sync.Once
}

func (s *hciSession) discover() error {
	if err := s.p.SetMTU(hciMTU); err != nil {
		s.log.Debug("failed to set MTU", zap.Error(err))
	}

	ss, err := s.p.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("failed to discover services: %w", err)
	}

	var service *gatt.Service
	for _, svc := range ss {
		if SameUUID(svc.UUID().String(), SynthServiceUUID) {
			service = svc
			break
		}
	}
	if service == nil {
		return fmt.Errorf("synth service: %w", ErrEndpointNotFound)
	}

	cs, err := s.p.DiscoverCharacteristics(nil, service)
	if err != nil {
		return fmt.Errorf("failed to discover characteristics: %w", err)
	}
	for _, c := range cs {
		// Descriptors are needed to find the CCCD for notifications.
		if _, err := s.p.DiscoverDescriptors(nil, c); err != nil {
			s.log.Debug("failed to discover descriptors", zap.Stringer("uuid", c.UUID()), zap.Error(err))
		}
		s.chars = append(s.chars, c)
	}
	s.log.Info("characteristics discovered", zap.Int("count", len(s.chars)))
	return nil
}

func (s *hciSession) Discover(ctx context.Context, id string) (Endpoint, error) {
	for _, c := range s.chars {
		if SameUUID(c.UUID().String(), id) {
			return &hciEndpoint{session: s, uuid: id, c: c}, nil
		}
	}
	return nil, ErrEndpointNotFound
}

func (s *hciSession) markLost() {
	s.lostOnce.Do(func() { close(s.lost) })
}

func (s *hciSession) Disconnect() error {
	select {
	case <-s.lost:
		return nil
	default:
	}

	s.t.mu.Lock()
	delete(s.t.sessions, s.p.ID())
	s.t.mu.Unlock()

	s.t.dev.CancelConnection(s.p)
	s.markLost()
	return nil
}

func (s *hciSession) Lost() <-chan struct{} { return s.lost }

type hciEndpoint struct {
	session *hciSession
	uuid    string
	c       *gatt.Characteristic
}

func (e *hciEndpoint) UUID() string { return e.uuid }

// gatt calls block without a deadline; run them aside so ctx still bounds
// the caller.
func blockingCall(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *hciEndpoint) Write(ctx context.Context, data []byte) error {
	noRsp := e.c.Properties()&gatt.CharWrite == 0
	return blockingCall(ctx, func() error {
		return e.session.p.WriteCharacteristic(e.c, data, noRsp)
	})
}

func (e *hciEndpoint) Read(ctx context.Context) ([]byte, error) {
	var value []byte
	err := blockingCall(ctx, func() error {
		b, err := e.session.p.ReadCharacteristic(e.c)
		value = b
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Subscribe enables notifications. gatt delivers each notification on its
// own goroutine, so two values for the same characteristic can reach fn out
// of order and the older one may hold the slot until the next push.
func (e *hciEndpoint) Subscribe(ctx context.Context, fn func([]byte)) error {
	handler := notifyHandler(e.session.log, e.uuid, fn)
	return blockingCall(ctx, func() error {
		return e.session.p.SetNotifyValue(e.c, handler)
	})
}

func notifyHandler(log *zap.Logger, uuid string, fn func([]byte)) func(*gatt.Characteristic, []byte, error) {
	return func(_ *gatt.Characteristic, b []byte, err error) {
		if err != nil {
			log.Warn("notification error", zap.String("uuid", uuid), zap.Error(err))
			return
		}
		fn(b)
	}
}
