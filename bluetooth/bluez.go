package bluetooth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func getManagedObjects(ctx context.Context, conn *dbus.Conn) (managedObjects, error) {
	obj := conn.Object(BLUEZ_BUS_NAME, "/")
	var objects managedObjects
	err := obj.CallWithContext(ctx, DBUS_OBJECT_MANAGER_INTERFACE+".GetManagedObjects", 0).Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("failed to get managed objects: %w", err)
	}
	return objects, nil
}

func adapterPath(adapter string) dbus.ObjectPath {
	if strings.HasPrefix(adapter, "/") {
		return dbus.ObjectPath(adapter)
	}
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// devicePath maps a peer address such as AA:BB:CC:DD:EE:FF to its BlueZ
// object path. Object paths are passed through.
func devicePath(adapter dbus.ObjectPath, peerID string) dbus.ObjectPath {
	if strings.HasPrefix(peerID, "/") {
		return dbus.ObjectPath(peerID)
	}
	return adapter + "/dev_" + dbus.ObjectPath(strings.ReplaceAll(strings.ToUpper(peerID), ":", "_"))
}

func variantString(props map[string]dbus.Variant, key string) string {
	s, _ := props[key].Value().(string)
	return s
}

// BlueZTransport connects to peers through the BlueZ daemon on the system bus.
type BlueZTransport struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	log     *zap.Logger
}

func NewBlueZTransport(conn *dbus.Conn, adapter string, logger *zap.Logger) *BlueZTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlueZTransport{
		conn:    conn,
		adapter: adapterPath(adapter),
		log:     logger.Named("bluez"),
	}
}

func (t *BlueZTransport) Connect(ctx context.Context, peerID string) (Session, error) {
	path := devicePath(t.adapter, peerID)
	s := &bluezSession{
		conn:     t.conn,
		log:      t.log.With(zap.String("device", string(path))),
		path:     path,
		device:   t.conn.Object(BLUEZ_BUS_NAME, path),
		signals:  make(chan *dbus.Signal, 32),
		handlers: make(map[dbus.ObjectPath]func([]byte)),
		lost:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.match = []dbus.MatchOption{
		dbus.WithMatchInterface(DBUS_PROPERTIES_INTERFACE),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(path),
	}
	if err := t.conn.AddMatchSignal(s.match...); err != nil {
		return nil, fmt.Errorf("failed to add match signal: %w", err)
	}
	t.conn.Signal(s.signals)
	go s.dispatch()

	s.log.Info("calling Device1.Connect")
	if err := s.device.CallWithContext(ctx, BLUEZ_DEVICE_INTERFACE+".Connect", 0).Store(); err != nil {
		s.release()
		return nil, fmt.Errorf("failed to connect to device: %w", err)
	}

	if err := s.waitServicesResolved(ctx); err != nil {
		_ = s.Disconnect()
		return nil, err
	}
	if err := s.discoverCharacteristics(ctx); err != nil {
		_ = s.Disconnect()
		return nil, err
	}
	return s, nil
}

type bluezSession struct {
	conn    *dbus.Conn
	log     *zap.Logger
	path    dbus.ObjectPath
	device  dbus.BusObject
	match   []dbus.MatchOption
	signals chan *dbus.Signal

	// uuid -> characteristic path, filled once before the session is returned
	chars map[string]dbus.ObjectPath

	mu       sync.Mutex
	handlers map[dbus.ObjectPath]func([]byte)

	lost        chan struct{}
	lostOnce    sync.Once
	done        chan struct{}
	releaseOnce sync.Once
}

func (s *bluezSession) waitServicesResolved(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		var v dbus.Variant
		err := s.device.CallWithContext(ctx, DBUS_PROPERTIES_INTERFACE+".Get", 0,
			BLUEZ_DEVICE_INTERFACE, "ServicesResolved").Store(&v)
		if err == nil {
			if resolved, _ := v.Value().(bool); resolved {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for service discovery: %w", ctx.Err())
		case <-s.lost:
			return ErrSessionLost
		case <-ticker.C:
		}
	}
}

func (s *bluezSession) discoverCharacteristics(ctx context.Context) error {
	objects, err := getManagedObjects(ctx, s.conn)
	if err != nil {
		return err
	}

	var service dbus.ObjectPath
	for path, object := range objects {
		props, ok := object[BLUEZ_GATT_SERVICE_INTERFACE]
		if !ok {
			continue
		}
		if dev, _ := props["Device"].Value().(dbus.ObjectPath); dev != s.path {
			continue
		}
		if SameUUID(variantString(props, "UUID"), SynthServiceUUID) {
			service = path
			break
		}
	}
	if service == "" {
		return fmt.Errorf("synth service: %w", ErrEndpointNotFound)
	}

	s.chars = make(map[string]dbus.ObjectPath)
	for path, object := range objects {
		props, ok := object[BLUEZ_GATT_CHAR_INTERFACE]
		if !ok {
			continue
		}
		if svc, _ := props["Service"].Value().(dbus.ObjectPath); svc != service {
			continue
		}
		uuid := variantString(props, "UUID")
		s.chars[uuid] = path
		s.log.Debug("found characteristic", zap.String("uuid", uuid), zap.String("path", string(path)))
	}
	s.log.Info("characteristics discovered", zap.Int("count", len(s.chars)))
	return nil
}

func (s *bluezSession) Discover(ctx context.Context, id string) (Endpoint, error) {
	for uuid, path := range s.chars {
		if SameUUID(uuid, id) {
			return &bluezEndpoint{
				session: s,
				uuid:    id,
				path:    path,
				obj:     s.conn.Object(BLUEZ_BUS_NAME, path),
			}, nil
		}
	}
	return nil, ErrEndpointNotFound
}

// dispatch routes PropertiesChanged signals under the device path: Value
// changes to subscribed characteristics and Connected=false to Lost.
func (s *bluezSession) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case sig, ok := <-s.signals:
			if !ok {
				s.markLost()
				return
			}
			s.handleSignal(sig)
		}
	}
}

func (s *bluezSession) handleSignal(sig *dbus.Signal) {
	if sig.Name != DBUS_PROPERTIES_CHANGED_SIGNAL || len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	switch {
	case iface == BLUEZ_DEVICE_INTERFACE && sig.Path == s.path:
		if connected, ok := changed["Connected"].Value().(bool); ok && !connected {
			s.log.Info("device reported disconnect")
			s.markLost()
		}
	case iface == BLUEZ_GATT_CHAR_INTERFACE:
		value, ok := changed["Value"].Value().([]byte)
		if !ok {
			return
		}
		s.mu.Lock()
		fn := s.handlers[sig.Path]
		s.mu.Unlock()
		if fn != nil {
			fn(value)
		}
	}
}

func (s *bluezSession) markLost() {
	s.lostOnce.Do(func() { close(s.lost) })
}

func (s *bluezSession) isLost() bool {
	select {
	case <-s.lost:
		return true
	default:
		return false
	}
}

func (s *bluezSession) release() {
	s.releaseOnce.Do(func() {
		s.conn.RemoveSignal(s.signals)
		if err := s.conn.RemoveMatchSignal(s.match...); err != nil {
			s.log.Debug("failed to remove match signal", zap.Error(err))
		}
		close(s.done)
	})
}

func (s *bluezSession) Disconnect() error {
	wasLost := s.isLost()
	s.release()
	s.markLost()
	if wasLost {
		return nil
	}

	if err := s.device.Call(BLUEZ_DEVICE_INTERFACE+".Disconnect", 0).Store(); err != nil {
		return fmt.Errorf("failed to disconnect device: %w", err)
	}
	return nil
}

func (s *bluezSession) Lost() <-chan struct{} { return s.lost }

type bluezEndpoint struct {
	session *bluezSession
	uuid    string
	path    dbus.ObjectPath
	obj     dbus.BusObject
}

func (e *bluezEndpoint) UUID() string { return e.uuid }

func (e *bluezEndpoint) Write(ctx context.Context, data []byte) error {
	return e.obj.CallWithContext(ctx, BLUEZ_GATT_CHAR_INTERFACE+".WriteValue", 0, data, map[string]interface{}{}).Store()
}

func (e *bluezEndpoint) Read(ctx context.Context) ([]byte, error) {
	var value []byte
	err := e.obj.CallWithContext(ctx, BLUEZ_GATT_CHAR_INTERFACE+".ReadValue", 0, map[string]interface{}{}).Store(&value)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Subscribe uses BlueZ's StartNotify, which writes the CCCD for us.
func (e *bluezEndpoint) Subscribe(ctx context.Context, fn func([]byte)) error {
	e.session.mu.Lock()
	e.session.handlers[e.path] = fn
	e.session.mu.Unlock()

	if err := e.obj.CallWithContext(ctx, BLUEZ_GATT_CHAR_INTERFACE+".StartNotify", 0).Store(); err != nil {
		e.session.mu.Lock()
		delete(e.session.handlers, e.path)
		e.session.mu.Unlock()
		return fmt.Errorf("failed to start notify on %s: %w", e.uuid, err)
	}
	return nil
}

// BlueZSelector finds synths with adapter discovery.
type BlueZSelector struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	timeout time.Duration
	log     *zap.Logger
}

func NewBlueZSelector(conn *dbus.Conn, adapter string, timeout time.Duration, logger *zap.Logger) *BlueZSelector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	return &BlueZSelector{
		conn:    conn,
		adapter: adapterPath(adapter),
		timeout: timeout,
		log:     logger.Named("bluez"),
	}
}

// Select returns the first synth seen, or ErrTransportUnavailable when the
// scan times out empty.
func (s *BlueZSelector) Select(ctx context.Context) (Peer, error) {
	var found Peer
	err := s.discover(ctx, func(peers []Peer) bool {
		if len(peers) == 0 {
			return false
		}
		found = peers[0]
		return true
	})
	if err != nil {
		return Peer{}, err
	}
	if found.ID == "" {
		return Peer{}, ErrTransportUnavailable
	}
	return found, nil
}

// Scan collects every synth seen before the scan timeout.
func (s *BlueZSelector) Scan(ctx context.Context) ([]Peer, error) {
	var all []Peer
	err := s.discover(ctx, func(peers []Peer) bool {
		all = peers
		return false
	})
	return all, err
}

// discover runs adapter discovery and polls known devices until done
// returns true or the scan times out.
func (s *BlueZSelector) discover(ctx context.Context, done func([]Peer) bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	adapter := s.conn.Object(BLUEZ_BUS_NAME, s.adapter)
	filter := map[string]interface{}{"Transport": "le"}
	if err := adapter.CallWithContext(ctx, BLUEZ_ADAPTER_INTERFACE+".SetDiscoveryFilter", 0, filter).Store(); err != nil {
		s.log.Debug("could not set discovery filter", zap.Error(err))
	}
	if err := adapter.CallWithContext(ctx, BLUEZ_ADAPTER_INTERFACE+".StartDiscovery", 0).Store(); err != nil {
		s.log.Warn("could not start discovery", zap.Error(err))
	}
	defer func() {
		if err := adapter.Call(BLUEZ_ADAPTER_INTERFACE+".StopDiscovery", 0).Store(); err != nil {
			s.log.Debug("could not stop discovery", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		objects, err := getManagedObjects(ctx, s.conn)
		if err != nil && ctx.Err() == nil {
			return err
		}
		if done(s.synths(objects)) {
			return nil
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *BlueZSelector) synths(objects managedObjects) []Peer {
	var peers []Peer
	for _, object := range objects {
		props, ok := object[BLUEZ_DEVICE_INTERFACE]
		if !ok {
			continue
		}
		if adapter, _ := props["Adapter"].Value().(dbus.ObjectPath); adapter != s.adapter {
			continue
		}
		name := variantString(props, "Name")
		uuids, _ := props["UUIDs"].Value().([]string)
		if !isSynth(name, uuids) {
			continue
		}
		peers = append(peers, Peer{ID: variantString(props, "Address"), Name: name})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}
