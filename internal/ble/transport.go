// Package ble provides the Bluetooth Low Energy transport and connection
// pool that every protocol adapter (§4.2) is built on top of (§4.1).
package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/batteryhawk/battery-hawk/internal/bherrors"
)

// NotifyFunc is invoked for every notification frame delivered on the
// subscribed characteristic.
type NotifyFunc func(data []byte)

// Session is a live GATT session to a single device: the characteristic
// handles a protocol adapter needs to read and write.
type Session struct {
	mac string

	device         *bluetooth.Device
	service        *bluetooth.DeviceService
	writeChar      *bluetooth.DeviceCharacteristic
	notifyChar     *bluetooth.DeviceCharacteristic

	mu     sync.Mutex
	closed bool
}

// Write sends data on the session's write characteristic.
func (s *Session) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, bherrors.New(bherrors.KindCommand, s.mac, "empty write payload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, bherrors.New(bherrors.KindConnection, s.mac, "session closed")
	}
	if s.writeChar == nil {
		return 0, bherrors.New(bherrors.KindProtocol, s.mac, "no write characteristic")
	}
	n, err := s.writeChar.WriteWithoutResponse(data)
	if err != nil {
		return 0, bherrors.Wrap(bherrors.KindConnection, s.mac, err)
	}
	return n, nil
}

// Subscribe enables notifications on the session's notify characteristic.
func (s *Session) Subscribe(fn NotifyFunc) error {
	if fn == nil {
		return bherrors.New(bherrors.KindProtocol, s.mac, "nil subscription handler")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return bherrors.New(bherrors.KindConnection, s.mac, "session closed")
	}
	if s.notifyChar == nil {
		return bherrors.New(bherrors.KindProtocol, s.mac, "no notify characteristic")
	}
	err := s.notifyChar.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		fn(data)
	})
	if err != nil {
		return bherrors.Wrap(bherrors.KindNotification, s.mac, err)
	}
	return nil
}

// Unsubscribe disables notifications on the notify characteristic.
func (s *Session) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notifyChar == nil || s.closed {
		return nil
	}
	return s.notifyChar.EnableNotifications(nil)
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.device != nil {
		s.device.Disconnect()
	}
}

// Transport discovers and opens GATT sessions against the platform's
// default Bluetooth adapter. It is the low-level collaborator the Pool
// schedules calls through; it holds no per-device state of its own.
type Transport struct {
	adapter *bluetooth.Adapter
	enabled bool
	mu      sync.Mutex
}

// NewTransport creates a Transport bound to the default adapter.
func NewTransport() *Transport {
	return &Transport{adapter: bluetooth.DefaultAdapter}
}

func (t *Transport) ensureEnabled() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		return nil
	}
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	t.enabled = true
	return nil
}

// ScanResult is one advertisement observed during a Scan call.
type ScanResult struct {
	MAC             string
	LocalName       string
	ManufacturerData map[uint16][]byte
	ServiceUUIDs    []string
	RSSI            int16
}

// Scan runs a BLE discovery scan for duration, invoking onResult for each
// advertisement seen, and returns when duration elapses, ctx is canceled,
// or onResult returns true (the caller's stop-on-new logic).
func (t *Transport) Scan(ctx context.Context, duration time.Duration, onResult func(ScanResult) (stop bool)) error {
	if err := t.ensureEnabled(); err != nil {
		return err
	}

	stopCh := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopCh) }) }

	scanErr := make(chan error, 1)
	go func() {
		err := t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			sr := ScanResult{
				MAC:       result.Address.String(),
				LocalName: result.LocalName(),
				RSSI:      result.RSSI,
			}
			if onResult(sr) {
				adapter.StopScan()
				stop()
			}
		})
		scanErr <- err
	}()

	select {
	case <-time.After(duration):
		t.adapter.StopScan()
	case <-ctx.Done():
		t.adapter.StopScan()
	case <-stopCh:
	}

	select {
	case err := <-scanErr:
		if err != nil {
			return fmt.Errorf("ble: scan: %w", err)
		}
	case <-time.After(2 * time.Second):
	}
	return nil
}

// Connect dials mac and discovers the service/characteristics identified
// by serviceUUID, writeUUID, and notifyUUID (notifyUUID may equal
// writeUUID, or be empty if the protocol does not subscribe).
func (t *Transport) Connect(ctx context.Context, mac, serviceUUID, writeUUID, notifyUUID string) (*Session, error) {
	if mac == "" {
		return nil, bherrors.New(bherrors.KindConnection, mac, "empty mac")
	}
	if serviceUUID != "" && writeUUID == "" {
		return nil, bherrors.New(bherrors.KindProtocol, mac, "empty characteristic")
	}

	if err := t.ensureEnabled(); err != nil {
		return nil, bherrors.Wrap(bherrors.KindConnection, mac, err)
	}

	addr := bluetooth.Address{}
	if err := addr.Set(mac); err != nil {
		return nil, bherrors.Wrap(bherrors.KindConnection, mac, err).WithContext("mac", mac)
	}

	type connResult struct {
		dev bluetooth.Device
		err error
	}
	resCh := make(chan connResult, 1)
	go func() {
		dev, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		resCh <- connResult{dev, err}
	}()

	var dev bluetooth.Device
	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, bherrors.Wrap(bherrors.KindConnection, mac, res.err)
		}
		dev = res.dev
	case <-ctx.Done():
		return nil, bherrors.Wrap(bherrors.KindTimeout, mac, ctx.Err())
	}

	sess := &Session{mac: mac, device: &dev}

	if serviceUUID != "" {
		svcUUID, err := bluetooth.ParseUUID(serviceUUID)
		if err != nil {
			dev.Disconnect()
			return nil, bherrors.Wrap(bherrors.KindProtocol, mac, err)
		}
		services, err := dev.DiscoverServices([]bluetooth.UUID{svcUUID})
		if err != nil || len(services) == 0 {
			dev.Disconnect()
			return nil, bherrors.New(bherrors.KindProtocol, mac, "service not found: "+serviceUUID)
		}
		sess.service = &services[0]

		uuids := make([]bluetooth.UUID, 0, 2)
		wantWrite, _ := bluetooth.ParseUUID(writeUUID)
		uuids = append(uuids, wantWrite)
		haveNotify := notifyUUID != "" && notifyUUID != writeUUID
		var wantNotify bluetooth.UUID
		if haveNotify {
			wantNotify, _ = bluetooth.ParseUUID(notifyUUID)
			uuids = append(uuids, wantNotify)
		}

		chars, err := services[0].DiscoverCharacteristics(uuids)
		if err != nil {
			dev.Disconnect()
			return nil, bherrors.Wrap(bherrors.KindProtocol, mac, err)
		}
		for i := range chars {
			c := chars[i]
			if c.UUID() == wantWrite {
				sess.writeChar = &chars[i]
				if !haveNotify {
					sess.notifyChar = &chars[i]
				}
			}
			if haveNotify && c.UUID() == wantNotify {
				sess.notifyChar = &chars[i]
			}
			_ = c
		}
		if sess.writeChar == nil {
			dev.Disconnect()
			return nil, bherrors.New(bherrors.KindProtocol, mac, "write characteristic not found")
		}
	}

	return sess, nil
}
