// Package publish streams every new frame to an MQTT topic for live
// visualisation.
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/itohio/capgrid/pkg/config"
	"github.com/itohio/capgrid/pkg/delta"
	"github.com/itohio/capgrid/pkg/monitoring"
	"github.com/itohio/capgrid/pkg/pipeline"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Payload is the JSON document published per frame.
type Payload struct {
	Seq       uint64    `json:"seq"`
	Timestamp float64   `json:"ts"`
	Rows      int       `json:"rows"`
	Cols      int       `json:"cols"`
	Delta     []float32 `json:"delta"`
	Touched   []bool    `json:"touched"`
	Intensity []float32 `json:"intensity"`
	Partial   bool      `json:"partial"`
}

// NewPayload flattens a snapshot into its wire form.
func NewPayload(snap pipeline.Snapshot) Payload {
	touched := make([]bool, len(snap.Touch))
	for i, c := range snap.Touch {
		touched[i] = c.Touched
	}
	var deltas []float32
	if snap.Deltas != nil {
		deltas = delta.Display(snap.Deltas.Values)
	}
	return Payload{
		Seq:       snap.Frame.Seq,
		Timestamp: snap.Frame.Timestamp,
		Rows:      snap.Frame.Rows,
		Cols:      snap.Frame.Cols,
		Delta:     deltas,
		Touched:   touched,
		Intensity: delta.Display(snap.Intensity),
		Partial:   snap.Frame.Partial,
	}
}

// Encode marshals the payload of snap.
func Encode(snap pipeline.Snapshot) ([]byte, error) {
	data, err := json.Marshal(NewPayload(snap))
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame %d: %w", snap.Frame.Seq, err)
	}
	return data, nil
}

// SnapshotSource provides the latest frame.
type SnapshotSource interface {
	Snapshot() (pipeline.Snapshot, bool)
}

// Publisher polls the latest frame and publishes each new sequence once.
// Frames superseded between two polls are skipped.
type Publisher struct {
	client   Client
	src      SnapshotSource
	topic    string
	qos      byte
	interval time.Duration

	lastSeq   uint64
	published uint64
	failed    uint64
}

// New creates a publisher for src on cfg.Topic + "/frame".
func New(client Client, src SnapshotSource, cfg config.MQTTConfig) *Publisher {
	return &Publisher{
		client:   client,
		src:      src,
		topic:    cfg.Topic + "/frame",
		qos:      cfg.QoS,
		interval: cfg.Interval,
	}
}

// Topic returns the frame topic.
func (p *Publisher) Topic() string {
	return p.topic
}

// PublishLatest publishes the latest frame if it has not been published yet.
func (p *Publisher) PublishLatest() (bool, error) {
	snap, ok := p.src.Snapshot()
	if !ok || snap.Frame.Seq == p.lastSeq {
		return false, nil
	}
	p.lastSeq = snap.Frame.Seq

	data, err := Encode(snap)
	if err != nil {
		return false, err
	}
	if err := p.client.Publish(p.topic, p.qos, false, data); err != nil {
		p.failed++
		return false, err
	}
	p.published++
	return true, nil
}

// Run publishes until ctx is cancelled, then closes the client.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.client.Close()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("MQTT: published %s frames to %s, %s failed",
				humanize.Comma(int64(p.published)), p.topic, humanize.Comma(int64(p.failed)))
			return nil
		case <-ticker.C:
			if _, err := p.PublishLatest(); err != nil {
				monitoring.Logf("MQTT: %v", err)
			}
		}
	}
}
