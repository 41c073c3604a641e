package registry

import (
	"errors"
	"testing"

	rserrors "rateswap/core/errors"
	"rateswap/core/types"
)

func TestMintTransferBurn(t *testing.T) {
	alice := types.BytesToAddress([]byte{0x01})
	bob := types.BytesToAddress([]byte{0x02})
	reg := New()

	if err := reg.Mint(1, alice); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := reg.Mint(1, bob); !errors.Is(err, ErrTokenExists) {
		t.Fatalf("expected duplicate mint to fail, got %v", err)
	}
	if err := reg.Transfer(bob, alice, 1); !errors.Is(err, rserrors.ErrNotOwner) {
		t.Fatalf("expected non-owner transfer to fail, got %v", err)
	}
	if err := reg.Transfer(alice, bob, 1); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	owner, err := reg.OwnerOf(1)
	if err != nil || owner != bob {
		t.Fatalf("expected bob to own token, got %s (%v)", owner.Hex(), err)
	}
	if ids := reg.TokensOf(alice); len(ids) != 0 {
		t.Fatalf("alice should hold nothing, got %v", ids)
	}
	if ids := reg.TokensOf(bob); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("bob should hold [1], got %v", ids)
	}
	if err := reg.Burn(1); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if _, err := reg.OwnerOf(1); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected burned token to be gone, got %v", err)
	}
	if err := reg.Mint(2, types.Address{}); !errors.Is(err, ErrZeroRecipient) {
		t.Fatalf("expected zero recipient rejection, got %v", err)
	}
}
