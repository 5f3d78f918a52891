// Package engine is the exchange engine and coordinator: it drives one BLE
// connection per configured Jackery device, frames and sends commands,
// waits for or collects notifications, and merges the results into a
// device state document (spec 4.H, 4.I).
package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackery/blebridge/internal/ble"
	"github.com/jackery/blebridge/internal/command"
	"github.com/jackery/blebridge/internal/errs"
	"github.com/jackery/blebridge/internal/frame"
	"github.com/jackery/blebridge/internal/model"
	"github.com/jackery/blebridge/internal/response"
)

// Timeouts fixed by spec 5.
const (
	singleResponseTimeout  = 5 * time.Second
	autoDetectProbeTimeout = 2 * time.Second
	collectAllWindow       = 3 * time.Second
	fireAndForgetSettle    = 100 * time.Millisecond
	postCommandRefreshWait = 500 * time.Millisecond
)

// bleLink is the subset of *ble.Link the exchange engine depends on,
// narrowed to an interface so tests can drive Client against a fake
// transport instead of a real BLE adapter.
type bleLink interface {
	Subscribe(handler ble.NotificationHandler) error
	Write(data []byte) error
	Close() error
}

// Client owns one BLE connection and its codec/assembly state. Only one
// exchange may be in flight at a time — Exchange-family methods serialize
// on mu, matching the "single in-flight exchange per client" resource model
// of spec 5.
type Client struct {
	Name    string
	Address string
	Kind    model.DeviceKind
	Builder *command.Builder

	mu    sync.Mutex // serializes exchanges; held for the duration of one
	codec frame.Codec
	link  bleLink

	assembly *response.Assembly

	notifyMu sync.Mutex
	notifyCB func(model.StateDocument) // set only during a collect-all window or an auto-detect probe
	respCh   chan model.StateDocument  // single-response signal, capacity 1
}

// NewClient builds a Client for one configured device. key is the raw
// (un-normalized) encryption key material; codecs that require a fixed
// 16-byte key normalize it themselves (spec 3 invariants).
func NewClient(name, address string, kind model.DeviceKind, variant model.EncryptionVariant, key []byte) *Client {
	return &Client{
		Name:     name,
		Address:  address,
		Kind:     kind,
		Builder:  command.NewBuilder(kind),
		codec:    frame.NewCodec(kind, variant, key),
		assembly: response.NewAssembly(),
		respCh:   make(chan model.StateDocument, 1),
	}
}

// Connected reports whether the client currently holds an open link.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Connect ensures the client holds an open, notification-subscribed link,
// retrying per spec 4.G. It returns (freshlyConnected, error) so callers
// can decide whether to run connect-time side effects (time sync).
func (c *Client) Connect(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != nil {
		return false, nil
	}

	link, err := ble.Connect(ctx, c.Address)
	if err != nil {
		return false, fmt.Errorf("engine: connect %s: %w: %w", c.Name, errs.ErrConnectFailed, err)
	}
	if err := link.Subscribe(c.handleNotification); err != nil {
		link.Close()
		return false, fmt.Errorf("engine: subscribe %s: %w: %w", c.Name, errs.ErrConnectFailed, err)
	}
	c.link = link
	c.assembly.Reset()
	return true, nil
}

// Disconnect tears down the link, if any. Safe to call when not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil
	}
	err := c.link.Close()
	c.link = nil
	return err
}

// handleNotification is the BLE notify callback: decrypt, parse, and
// either route to the active collect-all callback or publish to the
// single-response slot. A decrypt/parse failure is logged and dropped —
// spec 7 treats both as locally recoverable.
func (c *Client) handleNotification(data []byte) {
	bodyHex, ok := c.codec.Decrypt(data)
	if !ok {
		log.Printf("engine: %s: notification failed to decrypt/validate, dropped", c.Name)
		return
	}
	parsed, err := response.Parse(bodyHex, c.assembly)
	if err != nil {
		log.Printf("engine: %s: response parse failed: %v", c.Name, err)
		return
	}
	if !parsed.Complete {
		return
	}
	c.publish(parsed.Document.Public())
}

func (c *Client) publish(doc model.StateDocument) {
	c.notifyMu.Lock()
	cb := c.notifyCB
	c.notifyMu.Unlock()
	if cb != nil {
		cb(doc)
		return
	}

	// Replace whatever is sitting in the single-response slot so the most
	// recent notification always wins.
	select {
	case <-c.respCh:
	default:
	}
	select {
	case c.respCh <- doc:
	default:
	}
}

func (c *Client) write(ctx context.Context, plaintextHex string) error {
	if c.link == nil {
		return fmt.Errorf("engine: %s: %w", c.Name, errs.ErrNotConnected)
	}
	cipherHex, err := c.codec.Encrypt(plaintextHex)
	if err != nil {
		return fmt.Errorf("engine: %s: encrypt: %w", c.Name, err)
	}
	data, err := hex.DecodeString(cipherHex)
	if err != nil {
		return fmt.Errorf("engine: %s: decode ciphertext hex: %w", c.Name, err)
	}
	if err := c.link.Write(data); err != nil {
		return fmt.Errorf("engine: %s: %w: %w", c.Name, errs.ErrWriteFailed, err)
	}
	return nil
}

// FireAndForget encrypts and writes plaintextHex without waiting for a
// response, after the 100ms stabilisation sleep spec 4.H calls for.
func (c *Client) FireAndForget(ctx context.Context, plaintextHex string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-time.After(fireAndForgetSettle):
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.write(ctx, plaintextHex)
}

// SingleResponse writes plaintextHex and waits up to timeout for one
// complete, decoded notification. If the codec is an unresolved AutoDetect,
// the write is replaced by a per-variant probe (spec 4.H).
func (c *Client) SingleResponse(ctx context.Context, plaintextHex string, timeout time.Duration) (model.StateDocument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	drain(c.respCh)
	c.assembly.Reset()

	if ad, unresolved := c.unresolvedAutoDetect(); unresolved {
		doc, ok := c.probeAutoDetect(ctx, ad, plaintextHex, nil)
		if !ok {
			return nil, fmt.Errorf("engine: %s: %w", c.Name, errs.ErrResponseTimeout)
		}
		return doc, nil
	}

	if err := c.write(ctx, plaintextHex); err != nil {
		return nil, err
	}

	select {
	case doc := <-c.respCh:
		return doc, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("engine: %s: %w", c.Name, errs.ErrResponseTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CollectAll writes plaintextHex once and gathers every notification that
// arrives within collectTime, returning them in arrival order. Spec 4.H: if
// the codec hasn't latched yet, the collection window is first spent
// probing candidates, then continues under the latched codec for whatever
// of collectTime remains.
func (c *Client) CollectAll(ctx context.Context, plaintextHex string, collectTime time.Duration) ([]model.StateDocument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.assembly.Reset()

	var collectedMu sync.Mutex
	var collected []model.StateDocument
	appender := func(doc model.StateDocument) {
		collectedMu.Lock()
		collected = append(collected, doc)
		collectedMu.Unlock()
	}

	remaining := collectTime
	if ad, unresolved := c.unresolvedAutoDetect(); unresolved {
		start := time.Now()
		c.probeAutoDetect(ctx, ad, plaintextHex, appender)
		elapsed := time.Since(start)
		remaining -= elapsed
		if remaining < 0 {
			remaining = 0
		}
	} else {
		c.installCollectCallback(appender)
		if err := c.write(ctx, plaintextHex); err != nil {
			c.restoreCollectCallback()
			return nil, err
		}
	}

	c.installCollectCallback(appender)
	defer c.restoreCollectCallback()

	select {
	case <-time.After(remaining):
	case <-ctx.Done():
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	return append([]model.StateDocument(nil), collected...), nil
}

func (c *Client) installCollectCallback(cb func(model.StateDocument)) {
	c.notifyMu.Lock()
	c.notifyCB = cb
	c.notifyMu.Unlock()
}

func (c *Client) restoreCollectCallback() {
	c.notifyMu.Lock()
	c.notifyCB = nil
	c.notifyMu.Unlock()
}

func (c *Client) unresolvedAutoDetect() (*frame.AutoDetect, bool) {
	ad, ok := c.codec.(*frame.AutoDetect)
	if !ok {
		return nil, false
	}
	return ad, ad.Detected() == model.VariantUnknown
}

func drain(ch chan model.StateDocument) {
	select {
	case <-ch:
	default:
	}
}
