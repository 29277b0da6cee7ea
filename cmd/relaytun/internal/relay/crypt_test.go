package relay

import "testing"

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey("a pre-shared secret")
	b := DeriveKey("a pre-shared secret")
	if len(a) != 32 {
		t.Fatalf("expected a 32 byte key, got %d", len(a))
	}
	if string(a) != string(b) {
		t.Fatalf("DeriveKey is not deterministic for the same input")
	}

	c := DeriveKey("a different secret")
	if string(a) == string(c) {
		t.Fatalf("DeriveKey produced the same key for different secrets")
	}
}

func TestSelectBlockCryptKnownMethods(t *testing.T) {
	pass := DeriveKey("test secret for crypt selection")

	for method := range cryptMethods {
		block, effective := SelectBlockCrypt(method, pass)
		if effective != method {
			t.Fatalf("method %q: expected effective name %q, got %q", method, method, effective)
		}
		if method != "null" && block == nil {
			t.Fatalf("method %q: expected a non-nil BlockCrypt", method)
		}
	}
}

func TestSelectBlockCryptUnknownFallsBackToAES(t *testing.T) {
	pass := DeriveKey("another test secret")
	block, effective := SelectBlockCrypt("not-a-real-cipher", pass)
	if effective != "aes" {
		t.Fatalf("expected fallback to aes, got %q", effective)
	}
	if block == nil {
		t.Fatalf("expected a non-nil fallback BlockCrypt")
	}
}
