package crc

import "testing"

func TestHexEmptyIsFFFF(t *testing.T) {
	if got := Hex(""); got != "FFFF" {
		t.Errorf("Hex(\"\") = %q, want FFFF", got)
	}
}

func TestHexOddLengthReturnsZero(t *testing.T) {
	if got := Hex("ABC"); got != "0000" {
		t.Errorf("Hex(odd) = %q, want 0000", got)
	}
}

func TestHexStripsWhitespace(t *testing.T) {
	a := Hex("DE AD BE EF")
	b := Hex("DEADBEEF")
	if a != b {
		t.Errorf("whitespace not stripped: %q != %q", a, b)
	}
}

func TestBytesSwapsByteOrder(t *testing.T) {
	// Known property: the returned string is four hex digits with the
	// high/low byte order swapped relative to the raw CRC register.
	got := Bytes([]byte{0x01, 0x02, 0x03})
	if len(got) != 4 {
		t.Fatalf("expected 4 hex digits, got %q", got)
	}
	// CRC-16/MODBUS check value of "123456789" is 0x4B37, rendered low byte first.
	if check := Bytes([]byte("123456789")); check != "374B" {
		t.Errorf("Bytes(\"123456789\") = %q, want 374B", check)
	}
}

func TestHexMatchesBytesOfDecodedInput(t *testing.T) {
	input := "0A0B0C0D"
	if Hex(input) != Bytes([]byte{0x0A, 0x0B, 0x0C, 0x0D}) {
		t.Error("Hex and Bytes diverge for equivalent input")
	}
}
