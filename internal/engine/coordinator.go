package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackery/blebridge/internal/errs"
	"github.com/jackery/blebridge/internal/model"
	"github.com/jackery/blebridge/internal/storage"
)

// coordinatorPollWindow is the collect-all window for the coordinator's
// periodic query_device_property poll: spec 4.I step 2 pins this specific
// call site to "timeout 5.0s, window 2.0s", distinct from collectAllWindow's
// generic 3.0s default for the collect-all primitive in general (spec 5).
const coordinatorPollWindow = 2 * time.Second

// DeviceSpec is everything the coordinator needs to drive one device:
// identity, addressing, and the frame variant/key it should assume.
type DeviceSpec struct {
	Name         string
	Address      string
	Kind         model.DeviceKind
	Variant      model.EncryptionVariant
	Key          []byte
	PollInterval time.Duration
}

// StateUpdate is delivered to a Coordinator's update handler after every
// poll attempt, successful or not.
type StateUpdate struct {
	Device   string
	Document model.StateDocument
	Err      error
}

// Coordinator runs one poll loop per configured device (spec 4.I): ensure
// connection, sync time on first connect, query device property in
// collect-all mode, merge responses into a state document, and record the
// outcome.
type Coordinator struct {
	store *storage.DB

	mu           sync.RWMutex
	clients      map[string]*Client
	pollInterval map[string]time.Duration
	latestState  map[string]model.StateDocument
	refreshCh    map[string]chan struct{}

	updateMu sync.Mutex
	onUpdate func(StateUpdate)

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewCoordinator returns a Coordinator. store may be nil, in which case
// poll history is not persisted (used by tests).
func NewCoordinator(store *storage.DB) *Coordinator {
	return &Coordinator{
		store:        store,
		clients:      make(map[string]*Client),
		pollInterval: make(map[string]time.Duration),
		latestState:  make(map[string]model.StateDocument),
		refreshCh:    make(map[string]chan struct{}),
		stopChan:     make(chan struct{}),
	}
}

// AddDevice registers a device and returns the Client driving it, so tests
// and the control plane can interact with it directly if needed.
func (co *Coordinator) AddDevice(spec DeviceSpec) *Client {
	client := NewClient(spec.Name, spec.Address, spec.Kind, spec.Variant, spec.Key)
	interval := spec.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	co.mu.Lock()
	co.clients[spec.Name] = client
	co.pollInterval[spec.Name] = interval
	co.refreshCh[spec.Name] = make(chan struct{}, 1)
	co.mu.Unlock()

	return client
}

// Client returns the registered Client driving name, so callers like the
// control plane can build device-specific command frames.
func (co *Coordinator) Client(name string) (*Client, bool) {
	co.mu.RLock()
	defer co.mu.RUnlock()
	c, ok := co.clients[name]
	return c, ok
}

// DeviceNames returns the names of every registered device, in no
// particular order.
func (co *Coordinator) DeviceNames() []string {
	co.mu.RLock()
	defer co.mu.RUnlock()
	names := make([]string, 0, len(co.clients))
	for name := range co.clients {
		names = append(names, name)
	}
	return names
}

// SetUpdateHandler installs the callback invoked after every poll attempt.
// It is typically wired to the control plane and telemetry publisher.
func (co *Coordinator) SetUpdateHandler(fn func(StateUpdate)) {
	co.updateMu.Lock()
	co.onUpdate = fn
	co.updateMu.Unlock()
}

// LatestState returns the most recently merged state document for a
// device, if any poll has succeeded yet.
func (co *Coordinator) LatestState(name string) (model.StateDocument, bool) {
	co.mu.RLock()
	defer co.mu.RUnlock()
	doc, ok := co.latestState[name]
	return doc, ok
}

// Start launches one poll-loop goroutine per registered device.
func (co *Coordinator) Start(ctx context.Context) {
	co.mu.RLock()
	names := make([]string, 0, len(co.clients))
	for name := range co.clients {
		names = append(names, name)
	}
	co.mu.RUnlock()

	for _, name := range names {
		co.wg.Add(1)
		go co.pollLoop(ctx, name)
	}
}

// Stop ends every poll loop and disconnects every client.
func (co *Coordinator) Stop() {
	close(co.stopChan)
	co.wg.Wait()

	co.mu.RLock()
	defer co.mu.RUnlock()
	for _, c := range co.clients {
		if err := c.Disconnect(); err != nil {
			log.Printf("engine: %s: disconnect: %v", c.Name, err)
		}
	}
}

func (co *Coordinator) pollLoop(ctx context.Context, name string) {
	defer co.wg.Done()

	co.mu.RLock()
	interval := co.pollInterval[name]
	refresh := co.refreshCh[name]
	co.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	co.poll(ctx, name)
	for {
		select {
		case <-co.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			co.poll(ctx, name)
		case <-refresh:
			co.poll(ctx, name)
		}
	}
}

func (co *Coordinator) poll(ctx context.Context, name string) {
	co.mu.RLock()
	client := co.clients[name]
	co.mu.RUnlock()
	if client == nil {
		return
	}

	freshlyConnected, err := client.Connect(ctx)
	if err != nil {
		co.finish(name, nil, err)
		return
	}
	if freshlyConnected {
		co.timeSync(ctx, client)
	}

	queryHex := client.Builder.QueryDeviceProperty()
	docs, err := client.CollectAll(ctx, queryHex, coordinatorPollWindow)
	if err != nil {
		co.handleExchangeFailure(client, err)
		co.finish(name, nil, err)
		return
	}
	if len(docs) == 0 {
		co.finish(name, nil, fmt.Errorf("engine: %s: %w", name, errs.ErrUpdateFailed))
		return
	}

	merged := make(model.StateDocument)
	for _, doc := range docs {
		merged.Merge(doc)
	}

	co.mu.Lock()
	co.latestState[name] = merged
	co.mu.Unlock()

	co.finish(name, merged, nil)
}

// timeSync sends TIME_SYNC fire-and-forget with the local UTC offset,
// which time.Time.Zone already resolves for the currently active daylight
// saving rule (spec 4.I step 1).
func (co *Coordinator) timeSync(ctx context.Context, client *Client) {
	_, offsetSeconds := time.Now().Local().Zone()
	syncHex, err := client.Builder.SyncTime(offsetSeconds)
	if err != nil {
		log.Printf("engine: %s: build time sync frame: %v", client.Name, err)
		return
	}
	if err := client.FireAndForget(ctx, syncHex); err != nil {
		log.Printf("engine: %s: time sync: %v", client.Name, err)
	}
}

// handleExchangeFailure disconnects the client when the failure indicates
// the link itself is gone, so the next poll starts from Disconnecting ->
// Connecting (spec 7: fatal write-path failures require reconnect).
func (co *Coordinator) handleExchangeFailure(client *Client, err error) {
	if errors.Is(err, errs.ErrWriteFailed) || errors.Is(err, errs.ErrNotConnected) {
		if derr := client.Disconnect(); derr != nil {
			log.Printf("engine: %s: disconnect after failed exchange: %v", client.Name, derr)
		}
	}
}

func (co *Coordinator) finish(name string, doc model.StateDocument, err error) {
	if co.store != nil {
		rec := &storage.PollRecord{DeviceName: name, Timestamp: time.Now(), Success: err == nil}
		if err != nil {
			rec.Error = err.Error()
		}
		if recErr := co.store.RecordPoll(rec, 200); recErr != nil {
			log.Printf("engine: %s: record poll: %v", name, recErr)
		}
	}
	if err != nil {
		log.Printf("engine: %s: poll failed: %v", name, err)
	}

	co.updateMu.Lock()
	onUpdate := co.onUpdate
	co.updateMu.Unlock()
	if onUpdate != nil {
		onUpdate(StateUpdate{Device: name, Document: doc, Err: err})
	}
}

// SendControlCommand fire-and-forgets a pre-built frame to a device, then
// schedules the "sleep 500ms, refresh" follow-up of spec 4.I step 4.
func (co *Coordinator) SendControlCommand(ctx context.Context, deviceName, plaintextHex string) error {
	co.mu.RLock()
	client := co.clients[deviceName]
	refresh := co.refreshCh[deviceName]
	co.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("engine: unknown device %q", deviceName)
	}

	if err := client.FireAndForget(ctx, plaintextHex); err != nil {
		co.handleExchangeFailure(client, err)
		return err
	}

	go func() {
		select {
		case <-time.After(postCommandRefreshWait):
		case <-co.stopChan:
			return
		}
		select {
		case refresh <- struct{}{}:
		default:
		}
	}()
	return nil
}
