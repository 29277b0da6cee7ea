package relay

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/xtaci/qpp"
)

func TestPortRoundTrip(t *testing.T) {
	pad := qpp.NewQPP([]byte("pad-seed-for-relay-tests"), 61)
	seed := []byte("session-seed")

	aliceConn, bobConn := net.Pipe()
	alice := NewPort(aliceConn, pad, seed)
	bob := NewPort(bobConn, pad, seed)
	t.Cleanup(func() {
		alice.Close()
		bob.Close()
	})

	t.Run("alice to bob", func(t *testing.T) {
		assertRoundTrip(t, alice, bob, []byte("encrypted hello"))
	})
	t.Run("bob to alice", func(t *testing.T) {
		assertRoundTrip(t, bob, alice, []byte("reply payload"))
	})
}

func assertRoundTrip(t *testing.T, w io.Writer, r io.Reader, payload []byte) {
	t.Helper()

	recvErr := make(chan error, 1)
	go func() {
		buf := make([]byte, len(payload))
		if _, err := io.ReadFull(r, buf); err != nil {
			recvErr <- fmt.Errorf("read payload: %w", err)
			return
		}
		if !bytes.Equal(buf, payload) {
			recvErr <- fmt.Errorf("payload mismatch: got %q want %q", buf, payload)
			return
		}
		recvErr <- nil
	}()

	msg := append([]byte(nil), payload...)
	if n, err := w.Write(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	} else if n != len(payload) {
		t.Fatalf("write returned %d, want %d", n, len(payload))
	}

	if err := <-recvErr; err != nil {
		t.Fatalf("round trip error: %v", err)
	}
}

func TestValidateQPPParams(t *testing.T) {
	if _, err := ValidateQPPParams(0, "key"); err == nil {
		t.Fatalf("expected error for non-positive count")
	}

	warnings, err := ValidateQPPParams(4, "short")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) == 0 {
		t.Fatalf("expected warnings for a short key and a non-prime, under-sized count")
	}

	// 61 is prime, so the count itself should never trigger the
	// "choose a prime" warning regardless of key length.
	warnings, err = ValidateQPPParams(61, "short")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, w := range warnings {
		if bytes.Contains([]byte(w), []byte("prime")) {
			t.Fatalf("did not expect a prime-count warning for count=61, got %v", warnings)
		}
	}
}
