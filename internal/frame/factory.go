package frame

import "github.com/jackery/blebridge/internal/model"

// NewCodec builds the concrete Codec a resolved EncryptionVariant calls for.
// VariantAutoDetect returns the ordered-candidate AutoDetect wrapper
// appropriate for kind, since Box devices only ever speak AES-Box while
// Portable devices may speak either RC4 or AES (spec 3, 4.D).
func NewCodec(kind model.DeviceKind, variant model.EncryptionVariant, key []byte) Codec {
	switch variant {
	case model.VariantRC4Portable:
		return NewRC4Codec(key)
	case model.VariantAESPortable:
		return NewPortableAESCodec(key)
	case model.VariantAESBox:
		return NewBoxAESCodec(key)
	default:
		if kind == model.DeviceKindBox {
			return NewAutoDetectBox(key)
		}
		return NewAutoDetectPortable(key)
	}
}
