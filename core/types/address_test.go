package types

import "testing"

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress(" 0x00000000000000000000000000000000000000aa ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr != BytesToAddress([]byte{0xaa}) {
		t.Fatalf("unexpected address %s", addr.Hex())
	}
	if _, err := ParseAddress("0x0000000000000000000000000000000000000000"); err == nil {
		t.Fatalf("expected zero address to be rejected")
	}
	if _, err := ParseAddress("nope"); err == nil {
		t.Fatalf("expected invalid hex to be rejected")
	}
}
