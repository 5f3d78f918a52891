// Package response parses a decrypted Jackery frame body into either a
// single JSON status update or a chunk of a multi-packet transfer, and
// reassembles multi-packet transfers into one JSON document (spec 4.F).
package response

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackery/blebridge/internal/model"
)

// multiPacketPrefix is the decrypted-body prefix (first byte) that marks a
// multi-packet transfer instead of a single-notification JSON response.
const multiPacketPrefix = "80"

// Parsed is the result of decoding one notification's body.
type Parsed struct {
	// Document holds the parsed JSON fields, or a {"raw_hex": ...} fallback
	// when the body wasn't a JSON object.
	Document model.StateDocument
	// Complete is false for a multi-packet chunk that didn't finish a
	// transfer; no Document is produced in that case.
	Complete bool
}

// Assembly accumulates multi-packet chunks by index until every chunk
// 1..total has arrived, then concatenates and parses them as one JSON
// document (spec 4.F, "PacketAssembly" in §3).
type Assembly struct {
	chunks        map[int]string
	expectedTotal int
}

// NewAssembly returns an empty packet assembly buffer.
func NewAssembly() *Assembly {
	return &Assembly{chunks: make(map[int]string)}
}

// Reset clears the assembly buffer; done on every new exchange (spec §3
// Lifecycle) so stale chunks from an aborted transfer never leak into the
// next one.
func (a *Assembly) Reset() {
	a.chunks = make(map[int]string)
	a.expectedTotal = 0
}

// ExpectedTotal and Len expose the assembly's progress for tests and
// diagnostics.
func (a *Assembly) ExpectedTotal() int { return a.expectedTotal }
func (a *Assembly) Len() int           { return len(a.chunks) }

// Parse decodes a decrypted frame body (uppercase hex, magic already
// stripped by the frame codec). If the body is a single JSON response it is
// parsed immediately. If it's a multi-packet chunk, it's folded into
// assembly; Parse returns Complete=true only once every chunk 1..total has
// arrived, at which point assembly is reset.
func Parse(decryptedBodyHex string, assembly *Assembly) (Parsed, error) {
	if len(decryptedBodyHex) < 2 {
		return Parsed{Document: rawHexFallback(decryptedBodyHex), Complete: true}, nil
	}
	if strings.HasPrefix(decryptedBodyHex, multiPacketPrefix) {
		return parseMultiPacket(decryptedBodyHex, assembly)
	}
	return parseSingle(decryptedBodyHex)
}

// parseSingle handles the single-notification JSON shape: byte 0 is the
// magic remainder, byte 1 (hex offset [2:4]) is the response action id, and
// everything from hex offset 8 onward is the JSON body.
func parseSingle(decryptedBodyHex string) (Parsed, error) {
	if len(decryptedBodyHex) < 8 {
		return Parsed{Document: rawHexFallback(decryptedBodyHex), Complete: true}, nil
	}
	actionID, err := strconv.ParseUint(decryptedBodyHex[2:4], 16, 8)
	if err != nil {
		return Parsed{Document: rawHexFallback(decryptedBodyHex), Complete: true}, nil
	}
	bodyHex := decryptedBodyHex[8:]
	doc, ok := decodeJSONBody(bodyHex)
	if !ok {
		fallback := rawHexFallback(decryptedBodyHex)
		fallback["_actionId"] = model.IntValue(int64(actionID))
		return Parsed{Document: fallback, Complete: true}, nil
	}
	doc["_actionId"] = model.IntValue(int64(actionID))
	return Parsed{Document: doc, Complete: true}, nil
}

// parseMultiPacket folds one chunk into assembly. Header layout per spec
// 4.F: hex[8:12] = 1-based packet index (big-endian u16 hex), hex[12:16] =
// total packet count, hex[16:] = this chunk's payload.
func parseMultiPacket(decryptedBodyHex string, assembly *Assembly) (Parsed, error) {
	if len(decryptedBodyHex) < 16 {
		return Parsed{}, fmt.Errorf("response: multi-packet header too short (%d hex chars)", len(decryptedBodyHex))
	}
	index, err := strconv.ParseUint(decryptedBodyHex[8:12], 16, 16)
	if err != nil {
		return Parsed{}, fmt.Errorf("response: bad packet index: %w", err)
	}
	total, err := strconv.ParseUint(decryptedBodyHex[12:16], 16, 16)
	if err != nil {
		return Parsed{}, fmt.Errorf("response: bad packet total: %w", err)
	}
	chunk := decryptedBodyHex[16:]

	assembly.chunks[int(index)] = chunk
	assembly.expectedTotal = int(total)

	for i := 1; i <= assembly.expectedTotal; i++ {
		if _, ok := assembly.chunks[i]; !ok {
			return Parsed{Complete: false}, nil
		}
	}

	var combined strings.Builder
	for i := 1; i <= assembly.expectedTotal; i++ {
		if part, ok := assembly.chunks[i]; ok {
			combined.WriteString(part)
		}
	}
	assembly.Reset()

	doc, ok := decodeJSONBody(combined.String())
	if !ok {
		return Parsed{Document: rawHexFallback(combined.String()), Complete: true}, nil
	}
	return Parsed{Document: doc, Complete: true}, nil
}

// decodeJSONBody hex-decodes bodyHex, UTF-8-decodes it, and parses it as a
// JSON object. ok is false for anything that isn't a JSON object (including
// parse failures), in which case the caller falls back to a raw_hex
// document — this mirrors the "non-object JSON or parse failure" branch of
// spec 4.F.
func decodeJSONBody(bodyHex string) (model.StateDocument, bool) {
	if bodyHex == "" {
		return nil, false
	}
	raw, err := hex.DecodeString(bodyHex)
	if err != nil {
		return nil, false
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, false
	}
	var generic map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &generic); err != nil {
		return nil, false
	}
	doc := make(model.StateDocument, len(generic))
	for k, v := range generic {
		doc[k] = toValue(v)
	}
	return doc, true
}

func toValue(v interface{}) model.Value {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) {
			return model.IntValue(int64(t))
		}
		return model.FloatValue(t)
	case string:
		return model.StringValue(t)
	case bool:
		if t {
			return model.IntValue(1)
		}
		return model.IntValue(0)
	default:
		b, _ := json.Marshal(t)
		return model.StringValue(string(b))
	}
}

func rawHexFallback(hexStr string) model.StateDocument {
	return model.StateDocument{"raw_hex": model.StringValue(hexStr)}
}
