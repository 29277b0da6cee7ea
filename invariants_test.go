package iostream

import (
	"testing"

	"github.com/nbio/iostream/ioloop"
)

func TestBufferSizeEqualsSumOfChunks(t *testing.T) {
	d := &chunkDeque{}
	d.pushBack([]byte("abc"))
	d.pushBack([]byte("de"))
	var sum int64
	for _, c := range d.chunks {
		sum += int64(len(c))
	}
	if sum != d.Len() {
		t.Fatalf("sum of chunk lengths = %d, Len() = %d", sum, d.Len())
	}
}

func TestAtMostOneReadModeArmed(t *testing.T) {
	ft := &fakeTransport{}
	s, _ := newTestStream(ft)
	if s.mode.armed() {
		t.Fatalf("new stream should start with no armed mode")
	}
	if err := s.ReadUntil([]byte("\n"), func(b []byte) {}); err != nil {
		t.Fatalf("ReadUntil: %v", err)
	}
	if !s.mode.armed() {
		t.Fatalf("mode should be armed after ReadUntil")
	}
	if err := s.ReadBytes(1, func(b []byte) {}, nil); err != ErrDoubleRead {
		t.Fatalf("second arm err = %v, want ErrDoubleRead", err)
	}
}

func TestCloseCallbackFiresAtMostOnce(t *testing.T) {
	ft := &fakeTransport{}
	s, loop := newTestStream(ft)
	var fires int
	s.SetCloseCallback(func() { fires++ })
	s.Close()
	loop.Run()
	s.Close()
	loop.Run()
	if fires != 1 {
		t.Fatalf("close callback fired %d times, want 1", fires)
	}
}

func TestRegisteredInterestAlwaysIncludesError(t *testing.T) {
	ft := &fakeTransport{}
	s, loop := newTestStream(ft)
	if err := s.addIOState(0); err != nil {
		t.Fatalf("addIOState: %v", err)
	}
	mask, ok := loop.Registered(s.fd())
	if !ok {
		t.Fatalf("stream not registered")
	}
	if !mask.Has(ioloop.Error) {
		t.Fatalf("registered mask %v does not include Error", mask)
	}
}
