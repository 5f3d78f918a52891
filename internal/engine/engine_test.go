package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/jackery/blebridge/internal/ble"
	"github.com/jackery/blebridge/internal/command"
	"github.com/jackery/blebridge/internal/errs"
	"github.com/jackery/blebridge/internal/frame"
	"github.com/jackery/blebridge/internal/model"
	"github.com/jackery/blebridge/internal/response"
)

// fakeLink stands in for *ble.Link in tests: it plays the device side of a
// connection, decrypting every write with codec and, if reply is non-empty,
// encoding reply as a DEVICE_PROPERTY response and delivering it through the
// subscribed handler. A write that doesn't decrypt under codec is dropped
// silently, matching how a real device ignores a frame built with the wrong
// encryption variant.
type fakeLink struct {
	codec   frame.Codec
	builder *command.Builder
	reply   string
	handler ble.NotificationHandler
	writes  int
	closed  bool
}

func (f *fakeLink) Subscribe(h ble.NotificationHandler) error {
	f.handler = h
	return nil
}

func (f *fakeLink) Write(data []byte) error {
	f.writes++
	if _, ok := f.codec.Decrypt(data); !ok {
		return nil
	}
	if f.reply == "" {
		return nil
	}
	plaintextHex := f.builder.Build(command.ActionDeviceProperty, command.MsgDeviceProperty, f.reply)
	cipherHex, err := f.codec.Encrypt(plaintextHex)
	if err != nil {
		return err
	}
	cipherBytes, err := hex.DecodeString(cipherHex)
	if err != nil {
		return err
	}
	if f.handler != nil {
		f.handler(cipherBytes)
	}
	return nil
}

func (f *fakeLink) Close() error {
	f.closed = true
	return nil
}

func newTestClient(kind model.DeviceKind, codec frame.Codec) *Client {
	return &Client{
		Name:     "dev1",
		Address:  "AA:BB:CC:DD:EE:FF",
		Kind:     kind,
		Builder:  command.NewBuilder(kind),
		codec:    codec,
		assembly: response.NewAssembly(),
		respCh:   make(chan model.StateDocument, 1),
	}
}

var testKey = []byte("0123456789abcdef")

func TestSingleResponseReceivesDecodedDocument(t *testing.T) {
	codec := frame.NewRC4Codec(testKey)
	client := newTestClient(model.DeviceKindPortable, codec)

	link := &fakeLink{codec: codec, builder: command.NewBuilder(model.DeviceKindPortable), reply: `{"rb":83}`}
	client.link = link
	if err := link.Subscribe(client.handleNotification); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	doc, err := client.SingleResponse(ctx, client.Builder.QueryDeviceProperty(), time.Second)
	if err != nil {
		t.Fatalf("SingleResponse: %v", err)
	}
	n, ok := doc["rb"].Int()
	if !ok || n != 83 {
		t.Fatalf("doc[\"rb\"] = %v, ok=%v, want 83", n, ok)
	}
	if link.writes != 1 {
		t.Fatalf("writes = %d, want 1", link.writes)
	}
}

func TestSingleResponseTimesOutWithoutReply(t *testing.T) {
	codec := frame.NewRC4Codec(testKey)
	client := newTestClient(model.DeviceKindPortable, codec)

	link := &fakeLink{codec: codec, builder: command.NewBuilder(model.DeviceKindPortable)}
	client.link = link
	if err := link.Subscribe(client.handleNotification); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.SingleResponse(ctx, client.Builder.QueryDeviceProperty(), 100*time.Millisecond)
	if !errors.Is(err, errs.ErrResponseTimeout) {
		t.Fatalf("err = %v, want ErrResponseTimeout", err)
	}
}

func TestFireAndForgetWritesAfterSettleDelay(t *testing.T) {
	codec := frame.NewRC4Codec(testKey)
	client := newTestClient(model.DeviceKindPortable, codec)

	link := &fakeLink{codec: codec, builder: command.NewBuilder(model.DeviceKindPortable)}
	client.link = link
	if err := link.Subscribe(client.handleNotification); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	start := time.Now()
	if err := client.FireAndForget(context.Background(), client.Builder.QueryDeviceProperty()); err != nil {
		t.Fatalf("FireAndForget: %v", err)
	}
	if elapsed := time.Since(start); elapsed < fireAndForgetSettle {
		t.Fatalf("returned after %s, want at least %s", elapsed, fireAndForgetSettle)
	}
	if link.writes != 1 {
		t.Fatalf("writes = %d, want 1", link.writes)
	}
}

func TestFireAndForgetWithoutConnectionFails(t *testing.T) {
	codec := frame.NewRC4Codec(testKey)
	client := newTestClient(model.DeviceKindPortable, codec)

	err := client.FireAndForget(context.Background(), client.Builder.QueryDeviceProperty())
	if !errors.Is(err, errs.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestAutoDetectProbeLatchesOnAcceptingCandidate(t *testing.T) {
	deviceCodec := frame.NewPortableAESCodec(testKey)
	ad := frame.NewAutoDetectPortable(testKey)
	client := newTestClient(model.DeviceKindPortable, ad)

	link := &fakeLink{codec: deviceCodec, builder: command.NewBuilder(model.DeviceKindPortable), reply: `{"rb":55}`}
	client.link = link
	if err := link.Subscribe(client.handleNotification); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// The RC4 candidate is tried first and times out against this
	// AES-only device before the AES candidate is tried, so the context
	// needs headroom beyond a single probe window.
	ctx, cancel := context.WithTimeout(context.Background(), 2*autoDetectProbeTimeout+2*time.Second)
	defer cancel()

	doc, err := client.SingleResponse(ctx, client.Builder.QueryDeviceProperty(), autoDetectProbeTimeout+time.Second)
	if err != nil {
		t.Fatalf("SingleResponse: %v", err)
	}
	n, ok := doc["rb"].Int()
	if !ok || n != 55 {
		t.Fatalf("doc[\"rb\"] = %v, ok=%v, want 55", n, ok)
	}
	if ad.Detected() != model.VariantAESPortable {
		t.Fatalf("Detected() = %v, want AESPortable", ad.Detected())
	}
}

func TestCollectAllGathersEveryNotificationInWindow(t *testing.T) {
	codec := frame.NewRC4Codec(testKey)
	client := newTestClient(model.DeviceKindPortable, codec)
	builder := command.NewBuilder(model.DeviceKindPortable)

	link := &multiReplyLink{codec: codec, builder: builder, replies: []string{`{"rb":1}`, `{"rb":2}`, `{"rb":3}`}, delay: 50 * time.Millisecond}
	client.link = link
	if err := link.Subscribe(client.handleNotification); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	docs, err := client.CollectAll(ctx, builder.QueryDeviceProperty(), 300*time.Millisecond)
	if err != nil {
		t.Fatalf("CollectAll: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("got %d docs, want 3", len(docs))
	}
}

// multiReplyLink is fakeLink's multi-notification sibling: one Write
// triggers a burst of staggered replies, simulating a device that streams
// several status fragments in response to one query.
type multiReplyLink struct {
	codec   frame.Codec
	builder *command.Builder
	replies []string
	delay   time.Duration
	handler ble.NotificationHandler
}

func (f *multiReplyLink) Subscribe(h ble.NotificationHandler) error {
	f.handler = h
	return nil
}

func (f *multiReplyLink) Write(data []byte) error {
	if _, ok := f.codec.Decrypt(data); !ok {
		return nil
	}
	for _, body := range f.replies {
		body := body
		go func() {
			time.Sleep(f.delay)
			plaintextHex := f.builder.Build(command.ActionDeviceProperty, command.MsgDeviceProperty, body)
			cipherHex, err := f.codec.Encrypt(plaintextHex)
			if err != nil {
				return
			}
			cipherBytes, err := hex.DecodeString(cipherHex)
			if err != nil {
				return
			}
			if f.handler != nil {
				f.handler(cipherBytes)
			}
		}()
	}
	return nil
}

func (f *multiReplyLink) Close() error { return nil }

func TestCoordinatorPollMergesResponseIntoLatestState(t *testing.T) {
	co := NewCoordinator(nil)
	client := co.AddDevice(DeviceSpec{
		Name:    "dev1",
		Address: "AA:BB:CC:DD:EE:FF",
		Kind:    model.DeviceKindPortable,
		Variant: model.VariantRC4Portable,
		Key:     testKey,
	})

	deviceCodec := frame.NewRC4Codec(testKey)
	link := &fakeLink{codec: deviceCodec, builder: command.NewBuilder(model.DeviceKindPortable), reply: `{"rb":77}`}
	client.link = link
	if err := link.Subscribe(client.handleNotification); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	co.poll(ctx, "dev1")

	doc, ok := co.LatestState("dev1")
	if !ok {
		t.Fatalf("expected latest state to be recorded")
	}
	n, ok := doc["rb"].Int()
	if !ok || n != 77 {
		t.Fatalf("doc[\"rb\"] = %v, ok=%v, want 77", n, ok)
	}
}

func TestSendControlCommandUnknownDeviceErrors(t *testing.T) {
	co := NewCoordinator(nil)
	if err := co.SendControlCommand(context.Background(), "missing", "DFEC00"); err == nil {
		t.Fatalf("expected error for unknown device")
	}
}

func TestSendControlCommandWithoutConnectionErrors(t *testing.T) {
	co := NewCoordinator(nil)
	co.AddDevice(DeviceSpec{
		Name:    "dev1",
		Address: "AA:BB:CC:DD:EE:FF",
		Kind:    model.DeviceKindPortable,
		Variant: model.VariantRC4Portable,
		Key:     testKey,
	})

	err := co.SendControlCommand(context.Background(), "dev1", "DFEC00")
	if !errors.Is(err, errs.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
