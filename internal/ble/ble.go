// Package ble is the BLE transport: it scans for Jackery devices, connects
// with bounded retry, and moves frame bytes in and out over the device's
// write/notify characteristics (spec 4.G).
package ble

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"

	"github.com/jackery/blebridge/internal/model"
)

// GATT UUIDs for the Jackery control service and its heartbeat sibling.
const (
	serviceUUID         = "0000bdee-0000-1000-8000-00805f9b34fb"
	writeCharUUID       = "0000ee01-0000-1000-8000-00805f9b34fb"
	notifyCharUUID      = "0000ee02-0000-1000-8000-00805f9b34fb"
	heartbeatSvcUUID    = "0000bdff-0000-1000-8000-00805f9b34fb"
	heartbeatCharUUID   = "0000ff01-0000-1000-8000-00805f9b34fb"
	maxConnectAttempts  = 2
	connectRetryBackoff = 2 * time.Second
)

// namePrefixes are the substrings a discovered device's advertised name is
// matched against (case-insensitive); anything else is ignored during scan.
var namePrefixes = []string{"HT", "JACKERY", "JK", "EXPLORER"}

// NotificationHandler receives raw notification bytes from the notify
// characteristic as they arrive.
type NotificationHandler func(data []byte)

// Scanner discovers nearby Jackery advertisements.
type Scanner struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewScanner returns a Scanner with an empty dedupe set.
func NewScanner() *Scanner {
	return &Scanner{seen: make(map[string]bool)}
}

// Scan runs until ctx is done, invoking onDevice once per newly-seen address
// whose advertised name matches one of namePrefixes.
func (s *Scanner) Scan(ctx context.Context, onDevice func(model.DiscoveredDevice, ble.Advertisement)) error {
	s.mu.Lock()
	s.seen = make(map[string]bool)
	s.mu.Unlock()

	filter := func(a ble.Advertisement) bool {
		return matchesName(a.LocalName())
	}

	handler := func(a ble.Advertisement) {
		addr := a.Addr().String()
		s.mu.Lock()
		if s.seen[addr] {
			s.mu.Unlock()
			return
		}
		s.seen[addr] = true
		s.mu.Unlock()

		dev := model.DiscoveredDevice{
			Name:    a.LocalName(),
			Address: addr,
			RSSI:    a.RSSI(),
			Kind:    model.ClassifyDeviceKind(a.LocalName()),
		}
		if manuf := a.ManufacturerData(); len(manuf) >= 2 {
			dev.ManufacturerID = binary.LittleEndian.Uint16(manuf[0:2])
			dev.ManufacturerData = manuf[2:]
		}
		dev.ServiceData = serviceDataFor(a, serviceUUID)
		onDevice(dev, a)
	}

	err := ble.Scan(ctx, true, handler, filter)
	if err != nil && ctx.Err() != nil {
		// ble.Scan returns ctx's error once the deadline/cancel fires; that's
		// an ordinary scan-window close, not a transport failure.
		return nil
	}
	return err
}

// serviceDataFor returns the advertised service-data payload for uuidStr, or
// nil if the advertisement doesn't carry one (spec 4.C's service-data blob
// lives under service UUID 0000bdee-...).
func serviceDataFor(a ble.Advertisement, uuidStr string) []byte {
	want, err := ble.Parse(uuidStr)
	if err != nil {
		return nil
	}
	for _, sd := range a.ServiceData() {
		if sd.UUID.Equal(want) {
			return sd.Data
		}
	}
	return nil
}

func matchesName(name string) bool {
	upper := strings.ToUpper(name)
	for _, p := range namePrefixes {
		if strings.Contains(upper, p) {
			return true
		}
	}
	return false
}

// Link is an open connection to one device, with the write and notify
// characteristics already resolved.
type Link struct {
	client   ble.Client
	writeCh  *ble.Characteristic
	notifyCh *ble.Characteristic

	mu      sync.Mutex
	onNotif NotificationHandler
}

// Connect dials addr, retrying up to maxConnectAttempts times with
// connectRetryBackoff between attempts, then discovers the control service
// and resolves its write/notify characteristics.
func Connect(ctx context.Context, addr string) (*Link, error) {
	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		link, err := connectOnce(ctx, addr)
		if err == nil {
			return link, nil
		}
		lastErr = err
		log.Printf("ble: connect attempt %d/%d to %s failed: %v", attempt, maxConnectAttempts, addr, err)
		if attempt < maxConnectAttempts {
			select {
			case <-time.After(connectRetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("ble: failed to connect to %s after %d attempts: %w", addr, maxConnectAttempts, lastErr)
}

func connectOnce(ctx context.Context, addr string) (*Link, error) {
	client, err := ble.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return nil, fmt.Errorf("discover profile: %w", err)
	}

	writeCh := findCharacteristic(profile, serviceUUID, writeCharUUID)
	notifyCh := findCharacteristic(profile, serviceUUID, notifyCharUUID)
	if writeCh == nil || notifyCh == nil {
		client.CancelConnection()
		return nil, fmt.Errorf("control service %s missing write or notify characteristic", serviceUUID)
	}

	return &Link{client: client, writeCh: writeCh, notifyCh: notifyCh}, nil
}

func findCharacteristic(profile *ble.Profile, svcUUID, charUUID string) *ble.Characteristic {
	want, err := ble.Parse(charUUID)
	if err != nil {
		return nil
	}
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(want) {
				return c
			}
		}
	}
	return nil
}

// Subscribe registers handler for notifications on the control service's
// notify characteristic. Only one handler is active at a time; a later call
// replaces the previous handler rather than stacking subscriptions.
func (l *Link) Subscribe(handler NotificationHandler) error {
	l.mu.Lock()
	l.onNotif = handler
	l.mu.Unlock()

	return l.client.Subscribe(l.notifyCh, false, func(data []byte) {
		l.mu.Lock()
		cb := l.onNotif
		l.mu.Unlock()
		if cb != nil {
			cb(data)
		}
	})
}

// Write sends data to the write characteristic without waiting for a
// response, matching the device's write-without-response command channel.
func (l *Link) Write(data []byte) error {
	return l.client.WriteCharacteristic(l.writeCh, data, true)
}

// Close tears down the connection; safe to call more than once.
func (l *Link) Close() error {
	return l.client.CancelConnection()
}

// Addr returns the connected device's BLE address.
func (l *Link) Addr() string {
	return l.client.Addr().String()
}
