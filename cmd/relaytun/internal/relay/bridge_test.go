package relay

import (
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/nbio/iostream"
	"github.com/nbio/iostream/ioloop"
)

// socketpair returns a net.Conn wrapping one end of a unix socketpair and the
// raw fd of the other end, which the caller hands to iostream.NewStream.
func socketpair(t *testing.T) (net.Conn, int) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	f := os.NewFile(uintptr(fds[0]), "near-peer")
	conn, err := net.FileConn(f)
	if err != nil {
		t.Fatalf("net.FileConn: %v", err)
	}
	f.Close()
	return conn, fds[1]
}

func TestBridgeRelaysBothDirections(t *testing.T) {
	loop, err := ioloop.New()
	if err != nil {
		t.Fatalf("ioloop.New: %v", err)
	}
	defer loop.Close()
	go loop.Run()

	nearPeer, nearFD := socketpair(t)
	t.Cleanup(func() { nearPeer.Close() })

	near, err := iostream.NewStream(nearFD, loop)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}

	farNear, farPeer := net.Pipe()

	NewBridge(t.Name(), near, farNear, true).Start()

	// Bytes written on the outside of "near" (simulating the accepted TCP
	// client) should arrive on the far peer (simulating the smux stream's
	// remote end).
	if _, err := nearPeer.Write([]byte("hello from tcp")); err != nil {
		t.Fatalf("write to nearPeer: %v", err)
	}
	buf := make([]byte, len("hello from tcp"))
	farPeer.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(farPeer, buf); err != nil {
		t.Fatalf("read from farPeer: %v", err)
	}
	if string(buf) != "hello from tcp" {
		t.Fatalf("got %q, want %q", buf, "hello from tcp")
	}

	// And the reverse direction: bytes written on the far peer should
	// arrive on the near peer.
	if _, err := farPeer.Write([]byte("hello from smux")); err != nil {
		t.Fatalf("write to farPeer: %v", err)
	}
	buf2 := make([]byte, len("hello from smux"))
	nearPeer.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(nearPeer, buf2); err != nil {
		t.Fatalf("read from nearPeer: %v", err)
	}
	if string(buf2) != "hello from smux" {
		t.Fatalf("got %q, want %q", buf2, "hello from smux")
	}

	// Closing the far side should tear down the near side too.
	farPeer.Close()
	deadline := time.Now().Add(5 * time.Second)
	nearPeer.SetReadDeadline(deadline)
	if _, err := nearPeer.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected nearPeer to observe the bridge closing")
	}
}
