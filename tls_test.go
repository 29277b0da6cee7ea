package iostream

import (
	"crypto/tls"
	"syscall"
	"testing"
	"time"

	"github.com/nbio/iostream/internal/faketest"
	"github.com/nbio/iostream/ioloop"
)

// generateTestCert loads the checked-in self-signed pair from
// testcert_test.go for TLS tests that need a real certificate.
func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()
	cert, err := tls.X509KeyPair(testCertPEM, testKeyPEM)
	if err != nil {
		t.Fatalf("X509KeyPair: %v", err)
	}
	return cert
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestTLSHandshakeCompletesOnBothSides(t *testing.T) {
	cert := generateTestCert(t)
	clientFD, serverFD := socketpair(t)

	serverLoop := faketest.New()
	clientLoop := faketest.New()

	serverConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientConfig := &tls.Config{InsecureSkipVerify: true}

	server, err := NewTLSServerStream(serverFD, serverLoop, serverConfig)
	if err != nil {
		t.Fatalf("NewTLSServerStream: %v", err)
	}
	if !server.sslAccepting {
		t.Fatalf("server should still be accepting after first handshake attempt")
	}

	client, err := newTLSStream(clientFD, clientLoop, clientConfig, true)
	if err != nil {
		t.Fatalf("newTLSStream: %v", err)
	}
	client.StartHandshake()

	// Both handshakes run on their own goroutines and report completion
	// back via AddCallback; drain each loop until neither is accepting.
	deadline := time.Now().Add(5 * time.Second)
	for (client.sslAccepting || server.sslAccepting) && time.Now().Before(deadline) {
		clientLoop.Run()
		serverLoop.Run()
		time.Sleep(time.Millisecond)
	}

	if client.sslAccepting || server.sslAccepting {
		t.Fatalf("handshake did not complete: client=%v server=%v", client.sslAccepting, server.sslAccepting)
	}
	if client.PeerCertificates() == nil {
		t.Fatalf("client has no peer certificates after handshake")
	}
}

func TestTLSStreamRejectsIOBeforeHandshake(t *testing.T) {
	cert := generateTestCert(t)
	_, serverFD := socketpair(t)
	loop := faketest.New()
	server, err := NewTLSServerStream(serverFD, loop, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("NewTLSServerStream: %v", err)
	}
	if err := server.Write([]byte("too early"), nil); err != ErrHandshaking {
		t.Fatalf("Write before handshake err = %v, want ErrHandshaking", err)
	}
	if err := server.ReadUntil([]byte("\n"), nil); err != ErrHandshaking {
		t.Fatalf("ReadUntil before handshake err = %v, want ErrHandshaking", err)
	}
}

// TestInterestMaskDuringHandshakeMatchesEmbeddedStream pins scenario 6 from
// spec.md §8: TLSStream.reading()/writing() delegate straight to the
// embedded Stream and don't OR in any handshake-specific want-read/
// want-write bit, since the handshake runs off the dispatch loop entirely
// (its own goroutine, parked on the runtime netpoller). The registered
// interest while sslAccepting is true must be identical to a plain idle
// Stream's: Error|Read, per the "stay registered for Read" default.
func TestInterestMaskDuringHandshakeMatchesEmbeddedStream(t *testing.T) {
	cert := generateTestCert(t)
	_, serverFD := socketpair(t)
	loop := faketest.New()
	server, err := NewTLSServerStream(serverFD, loop, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("NewTLSServerStream: %v", err)
	}

	loop.AddHandler(server.fd(), server.HandleEvents, ioloop.Error)
	server.registered = true
	server.interest = ioloop.Error
	server.recomputeInterest()

	if !server.sslAccepting {
		t.Fatalf("expected handshake still pending")
	}
	if server.reading() || server.writing() {
		t.Fatalf("reading()=%v writing()=%v, want both false before any Read/Write is queued", server.reading(), server.writing())
	}
	if want := ioloop.Error | ioloop.Read; server.interest != want {
		t.Fatalf("interest during handshake = %v, want %v (no handshake-specific bit)", server.interest, want)
	}
}

func TestPeerCertificatesNilDuringHandshake(t *testing.T) {
	cert := generateTestCert(t)
	_, serverFD := socketpair(t)
	loop := faketest.New()
	server, err := NewTLSServerStream(serverFD, loop, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("NewTLSServerStream: %v", err)
	}
	if got := server.PeerCertificates(); got != nil {
		t.Fatalf("PeerCertificates() during handshake = %v, want nil", got)
	}
}
