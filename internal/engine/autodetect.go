package engine

import (
	"context"
	"encoding/hex"
	"log"
	"time"

	"github.com/jackery/blebridge/internal/frame"
	"github.com/jackery/blebridge/internal/model"
)

// probeAutoDetect drives the per-variant probe of spec 4.H: it sends the
// same logical request once per candidate codec, waiting up to
// autoDetectProbeTimeout for a decoded response before moving to the next
// candidate. The notify path (handleNotification -> ad.Decrypt) performs
// the actual latching; this function only waits for the side effect and
// reports what arrived. If onDoc is non-nil, every document observed during
// the probe (not just the first) is also forwarded to it, so a CollectAll
// exchange doesn't lose responses that happened to arrive mid-probe.
func (c *Client) probeAutoDetect(ctx context.Context, ad *frame.AutoDetect, plaintextHex string, onDoc func(model.StateDocument)) (model.StateDocument, bool) {
	arrived := make(chan model.StateDocument, 1)
	temp := func(doc model.StateDocument) {
		if onDoc != nil {
			onDoc(doc)
		}
		select {
		case arrived <- doc:
		default:
		}
	}
	c.installCollectCallback(temp)
	defer c.restoreCollectCallback()

	for _, variant := range ad.Candidates() {
		codec := ad.CodecFor(variant)
		if codec == nil {
			continue
		}
		cipherHex, err := codec.Encrypt(plaintextHex)
		if err != nil {
			log.Printf("engine: %s: probe %s: encrypt failed: %v", c.Name, variant, err)
			continue
		}
		data, err := hex.DecodeString(cipherHex)
		if err != nil {
			log.Printf("engine: %s: probe %s: bad ciphertext hex: %v", c.Name, variant, err)
			continue
		}
		if c.link == nil {
			return nil, false
		}
		if err := c.link.Write(data); err != nil {
			log.Printf("engine: %s: probe %s: write failed: %v", c.Name, variant, err)
			continue
		}

		select {
		case doc := <-arrived:
			return doc, true
		case <-time.After(autoDetectProbeTimeout):
			log.Printf("engine: %s: probe %s: timed out after %s, trying next candidate", c.Name, variant, autoDetectProbeTimeout)
		case <-ctx.Done():
			return nil, false
		}
	}
	return nil, false
}
