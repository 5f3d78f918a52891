package frame

import "github.com/jackery/blebridge/internal/model"

// candidate pairs a variant tag with the codec that implements it.
type candidate struct {
	variant model.EncryptionVariant
	codec   Codec
}

// AutoDetect wraps an ordered list of candidate codecs and resolves to one
// of them the first time a decode succeeds. Resolution is a one-way latch:
// once set it is used for every subsequent call until a decode against the
// latched codec fails, at which point the latch reopens and every candidate
// is retried in order (spec 4.D, 9).
type AutoDetect struct {
	candidates []candidate
	latched    *candidate
}

// NewAutoDetectPortable builds the Portable auto-detect set: RC4 is tried
// before AES-Portable, matching observed device population (RC4 is by far
// the more common Portable encoding).
func NewAutoDetectPortable(key []byte) *AutoDetect {
	return &AutoDetect{
		candidates: []candidate{
			{model.VariantRC4Portable, NewRC4Codec(key)},
			{model.VariantAESPortable, NewPortableAESCodec(key)},
		},
	}
}

// NewAutoDetectBox builds the Box auto-detect set. Box devices only ever
// speak AES-Box, so this exists purely to give callers a uniform interface
// regardless of device kind.
func NewAutoDetectBox(key []byte) *AutoDetect {
	return &AutoDetect{
		candidates: []candidate{
			{model.VariantAESBox, NewBoxAESCodec(key)},
		},
	}
}

func (a *AutoDetect) Variant() model.EncryptionVariant { return model.VariantAutoDetect }

// Detected reports the latched variant, or VariantUnknown if nothing has
// latched yet.
func (a *AutoDetect) Detected() model.EncryptionVariant {
	if a.latched == nil {
		return model.VariantUnknown
	}
	return a.latched.variant
}

// Candidates returns the ordered variant list this AutoDetect probes,
// exposed so the exchange engine can drive an explicit per-variant probe
// (spec 4.H) rather than relying only on passive notification decoding.
func (a *AutoDetect) Candidates() []model.EncryptionVariant {
	out := make([]model.EncryptionVariant, len(a.candidates))
	for i, c := range a.candidates {
		out[i] = c.variant
	}
	return out
}

// CodecFor returns the concrete codec for a given variant, or nil if it
// isn't one of this AutoDetect's candidates.
func (a *AutoDetect) CodecFor(variant model.EncryptionVariant) Codec {
	for _, c := range a.candidates {
		if c.variant == variant {
			return c.codec
		}
	}
	return nil
}

// SetDetected latches the AutoDetect onto a specific variant directly. The
// exchange engine's probe does not call it; there the latch is set by
// Decrypt when a probe response decodes.
func (a *AutoDetect) SetDetected(variant model.EncryptionVariant) {
	for i := range a.candidates {
		if a.candidates[i].variant == variant {
			a.latched = &a.candidates[i]
			return
		}
	}
}

// Encrypt uses the latched codec if one is set, otherwise the first
// candidate (matching the source's "always has *a* handler to encrypt
// with" behavior even before detection completes).
func (a *AutoDetect) Encrypt(plaintextHex string) (string, error) {
	if a.latched != nil {
		return a.latched.codec.Encrypt(plaintextHex)
	}
	return a.candidates[0].codec.Encrypt(plaintextHex)
}

// Decrypt tries the latched codec first; on failure it clears the latch
// (spec 8: "never mutates the latch on a decode that returns null" — the
// latch is cleared only here, on an actual failed decode of an
// already-latched codec, never speculatively) and probes every candidate in
// order, latching on the first success.
func (a *AutoDetect) Decrypt(ciphertext []byte) (string, bool) {
	if a.latched != nil {
		if body, ok := a.latched.codec.Decrypt(ciphertext); ok {
			return body, true
		}
		a.latched = nil
	}
	for i, c := range a.candidates {
		if body, ok := c.codec.Decrypt(ciphertext); ok {
			a.latched = &a.candidates[i]
			return body, true
		}
	}
	return "", false
}
