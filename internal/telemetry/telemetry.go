// Package telemetry fans merged device state out to other local processes
// over a zmq4 PUB socket, grounded on the teacher's Concentratord driver
// (internal/lora/concentratord.go), which drives the same library's REQ/SUB
// sockets for its gateway link.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-zeromq/zmq4"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/jackery/blebridge/internal/engine"
	"github.com/jackery/blebridge/internal/model"
)

// Config configures the telemetry publisher.
type Config struct {
	Enabled bool
	PubAddr string // e.g. "tcp://*:5556"
}

// Publisher fans out merged state documents on a zmq4 PUB socket, one
// message per successful poll, topic "state.<device-name>" (spec 4.M). No
// subscriber ships in this repository; this is a fan-out point for other
// local processes.
type Publisher struct {
	cfg  Config
	sock zmq4.Socket
}

// New returns a Publisher bound to cfg. Call Start before Publish.
func New(cfg Config) *Publisher {
	return &Publisher{cfg: cfg}
}

// Start binds the PUB socket. A no-op if telemetry is disabled.
func (p *Publisher) Start(ctx context.Context) error {
	if !p.cfg.Enabled {
		return nil
	}
	p.sock = zmq4.NewPub(ctx)
	if err := p.sock.Listen(p.cfg.PubAddr); err != nil {
		return fmt.Errorf("telemetry: listen %s: %w", p.cfg.PubAddr, err)
	}
	log.Printf("telemetry: publishing on %s", p.cfg.PubAddr)
	return nil
}

// Stop closes the PUB socket, if one was opened.
func (p *Publisher) Stop() error {
	if p.sock == nil {
		return nil
	}
	return p.sock.Close()
}

// Publish is wired as a coordinator's update handler. It drops failed polls
// and is a no-op if Start was never called (telemetry disabled).
func (p *Publisher) Publish(update engine.StateUpdate) {
	if p.sock == nil || update.Err != nil {
		return
	}

	payload, err := encode(update.Device, update.Document)
	if err != nil {
		log.Printf("telemetry: encode %s: %v", update.Device, err)
		return
	}

	topic := "state." + update.Device
	msg := zmq4.NewMsgFrom([]byte(topic), payload)
	if err := p.sock.Send(msg); err != nil {
		log.Printf("telemetry: publish %s: %v", update.Device, err)
	}
}

// encode builds a structpb.Struct carrying the device name, a protobuf
// timestamp, and the device's own reported fields, then serializes it with
// proto.Marshal.
func encode(device string, doc model.StateDocument) ([]byte, error) {
	fields := make(map[string]interface{}, len(doc)+3)
	for k, v := range doc {
		if f, ok := v.Float(); ok {
			fields[k] = f
		} else {
			fields[k] = v.String()
		}
	}

	ts := timestamppb.New(time.Now())
	fields["_device"] = device
	fields["_timestamp_seconds"] = float64(ts.GetSeconds())
	fields["_timestamp_nanos"] = float64(ts.GetNanos())

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return proto.Marshal(st)
}
