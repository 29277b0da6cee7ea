package iostream

import "testing"

func chunksEqual(t *testing.T, got [][]byte, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("chunk count = %d, want %d (%v)", len(got), len(want), want)
	}
	for i, w := range want {
		if string(got[i]) != w {
			t.Fatalf("chunk[%d] = %q, want %q", i, got[i], w)
		}
	}
}

func TestMergePrefixScenario(t *testing.T) {
	d := &chunkDeque{}
	for _, s := range []string{"abc", "de", "fghi", "j"} {
		d.pushBack([]byte(s))
	}
	if d.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", d.Len())
	}

	d.mergePrefix(3)
	chunksEqual(t, d.chunks, "abc", "de", "fghi", "j")

	d.mergePrefix(5)
	chunksEqual(t, d.chunks, "abcde", "fghi", "j")

	d.mergePrefix(6)
	chunksEqual(t, d.chunks, "abcdef", "ghi", "j")

	d.mergePrefix(10)
	chunksEqual(t, d.chunks, "abcdefghij")
}

func TestDoublePrefix(t *testing.T) {
	d := &chunkDeque{}
	d.pushBack([]byte("ab"))
	d.pushBack([]byte("cdefgh"))
	d.pushBack([]byte("i"))

	d.doublePrefix() // max(2*2, 2+6) = 8
	chunksEqual(t, d.chunks, "abcdefgh", "i")
}

func TestPopFront(t *testing.T) {
	d := &chunkDeque{}
	d.pushBack([]byte("hello"))
	d.pushBack([]byte("world"))

	got := d.popFront(7)
	if string(got) != "hellowo" {
		t.Fatalf("popFront(7) = %q", got)
	}
	if d.Len() != 3 {
		t.Fatalf("Len() after pop = %d, want 3", d.Len())
	}
	chunksEqual(t, d.chunks, "rld")
}

func TestDrainAll(t *testing.T) {
	d := &chunkDeque{}
	if got := d.drainAll(); got != nil {
		t.Fatalf("drainAll() on empty deque = %v, want nil", got)
	}
	d.pushBack([]byte("a"))
	d.pushBack([]byte("bc"))
	got := d.drainAll()
	if string(got) != "abc" {
		t.Fatalf("drainAll() = %q, want %q", got, "abc")
	}
	if d.Len() != 0 || len(d.chunks) != 0 {
		t.Fatalf("deque not empty after drainAll")
	}
}

func TestPushBackOwnedNoCopy(t *testing.T) {
	b := []byte("owned")
	d := &chunkDeque{}
	d.pushBackOwned(b)
	b[0] = 'X'
	if d.chunks[0][0] != 'X' {
		t.Fatalf("pushBackOwned copied the slice; expected shared backing array")
	}
}

func TestPushBackCopies(t *testing.T) {
	b := []byte("copied")
	d := &chunkDeque{}
	d.pushBack(b)
	b[0] = 'X'
	if d.chunks[0][0] == 'X' {
		t.Fatalf("pushBack did not copy; mutation leaked into the deque")
	}
}
