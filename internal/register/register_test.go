package register

import "testing"

func TestSetGetRoundTrip(t *testing.T) {
	r := New()
	if err := r.SetAddress("send_to", "0x00000000000000000000000000000000000000aa"); err != nil {
		t.Fatalf("set address: %v", err)
	}
	got, ok := r.GetAddress("send_to")
	if !ok {
		t.Fatalf("expected address present")
	}
	if got != "0x00000000000000000000000000000000000000aa" {
		t.Fatalf("unexpected address: %s", got)
	}
}

func TestSetAddressRejectsZeroAddress(t *testing.T) {
	r := New()
	err := r.SetAddress("send_to", "0x0000000000000000000000000000000000000000000000")
	if err == nil {
		t.Fatalf("expected error for malformed length")
	}
	err = r.SetAddress("send_to", "0x0000000000000000000000000000000000")
	if err == nil {
		t.Fatalf("expected error for short address")
	}
	err = r.SetAddress("send_to", "0x0000000000000000000000000000000000000000")
	if err == nil {
		t.Fatalf("expected zero address to be rejected")
	}
}

func TestToRawAmountExact(t *testing.T) {
	got, err := ToRawAmount("0.01", 18)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got != "10000000000000000" {
		t.Fatalf("expected 10000000000000000, got %s", got)
	}
}

func TestToRawAmountRejectsExcessPrecision(t *testing.T) {
	if _, err := ToRawAmount("0.0000001", 6); err == nil {
		t.Fatalf("expected error for amount with more precision than decimals")
	}
}

func TestJSONPathSetAndGet(t *testing.T) {
	r := New()
	if err := r.SetJSONPath("quote", "route.pool_address", "0xabc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := r.SetJSONPath("quote", "route.fee_bps", 30); err != nil {
		t.Fatalf("set second field: %v", err)
	}
	got, ok := r.GetJSONPath("quote", "route.pool_address")
	if !ok {
		t.Fatalf("expected route.pool_address to be present")
	}
	if got.String() != "0xabc" {
		t.Fatalf("route.pool_address = %q, want 0xabc", got.String())
	}
	if fee, _ := r.GetJSONPath("quote", "route.fee_bps"); fee.Int() != 30 {
		t.Fatalf("route.fee_bps = %d, want 30", fee.Int())
	}
	if _, ok := r.GetJSONPath("quote", "route.missing"); ok {
		t.Fatalf("expected missing path to report absent")
	}
}

func TestSetRefusesTypeMismatchWithoutClear(t *testing.T) {
	r := New()
	if err := r.SetAddress("slot", "0x00000000000000000000000000000000000000aa"); err != nil {
		t.Fatalf("set: %v", err)
	}
	err := r.SetRawInteger("slot", "10")
	if err == nil {
		t.Fatalf("expected TypeMismatch")
	}
	if _, ok := err.(*TypeMismatch); !ok {
		t.Fatalf("expected *TypeMismatch, got %T", err)
	}
	r.Clear("slot")
	if err := r.SetRawInteger("slot", "10"); err != nil {
		t.Fatalf("expected retype to succeed after Clear: %v", err)
	}
}
