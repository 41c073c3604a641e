package types

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Address identifies an account on the ledger: position owners, keepers,
// liquidators, the custody account and the protocol fee pool.
type Address = common.Address

// ParseAddress decodes a 0x-prefixed hex address. The zero address is rejected.
func ParseAddress(s string) (Address, error) {
	trimmed := strings.TrimSpace(s)
	if !common.IsHexAddress(trimmed) {
		return Address{}, fmt.Errorf("types: invalid address %q", s)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (Address{}) {
		return Address{}, fmt.Errorf("types: zero address")
	}
	return addr, nil
}

// BytesToAddress pads or truncates b into an Address.
func BytesToAddress(b []byte) Address {
	return common.BytesToAddress(b)
}

// IsZero reports whether a is the zero address.
func IsZero(a Address) bool {
	return a == (Address{})
}
