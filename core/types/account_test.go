package types

import (
	"math/big"
	"testing"
)

func TestEnsureAccountFillsBalance(t *testing.T) {
	acc := EnsureAccount(nil)
	if acc.Balance == nil || acc.Balance.Sign() != 0 {
		t.Fatalf("expected zero balance, got %v", acc.Balance)
	}
	acc = EnsureAccount(&Account{Nonce: 3})
	if acc.Balance == nil || acc.Nonce != 3 {
		t.Fatalf("unexpected account %+v", acc)
	}
}

func TestAccountCopyIsDeep(t *testing.T) {
	acc := &Account{Balance: big.NewInt(10), Nonce: 1}
	cp := acc.Copy()
	cp.Balance.SetInt64(99)
	if acc.Balance.Int64() != 10 {
		t.Fatalf("copy mutated original balance: %s", acc.Balance)
	}
}

func TestEventClone(t *testing.T) {
	evt := &Event{Type: "x", Attributes: map[string]string{"a": "1"}}
	cp := evt.Clone()
	cp.Attributes["a"] = "2"
	if evt.Attributes["a"] != "1" {
		t.Fatalf("clone shares attribute map")
	}
	if (*Event)(nil).Clone() != nil {
		t.Fatalf("expected nil clone of nil event")
	}
}
