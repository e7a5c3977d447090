package packet

import "testing"

func TestNewUniqueBufferEligibility(t *testing.T) {
	buf := NewBuffer(3, make([]byte, 64))
	pkt := NewFromBuffer(buf, 32)

	idx, data, ok := pkt.UniqueBuffer()
	if !ok {
		t.Fatalf("expected unique buffer eligible for zero-copy")
	}
	if idx != 3 {
		t.Fatalf("expected index 3, got %d", idx)
	}
	if len(data) != 64 {
		t.Fatalf("expected full backing buffer, got len %d", len(data))
	}
	if pkt.Length() != 32 {
		t.Fatalf("expected packet length 32, got %d", pkt.Length())
	}
}

func TestPlainPacketHasNoUniqueBuffer(t *testing.T) {
	pkt := New(make([]byte, 10))
	if _, _, ok := pkt.UniqueBuffer(); ok {
		t.Fatalf("expected no backing buffer on a plain packet")
	}
}

func TestResetBufferDetaches(t *testing.T) {
	buf := NewBuffer(0, make([]byte, 16))
	pkt := NewFromBuffer(buf, 16)
	pkt.ResetBuffer()
	if _, _, ok := pkt.UniqueBuffer(); ok {
		t.Fatalf("expected no backing buffer after ResetBuffer")
	}
	if pkt.Data() != nil {
		t.Fatalf("expected data cleared after ResetBuffer")
	}
}

func TestAnnoIsAnnoSizeBytes(t *testing.T) {
	pkt := New(nil)
	if len(pkt.Anno()) != AnnoSize {
		t.Fatalf("expected anno length %d, got %d", AnnoSize, len(pkt.Anno()))
	}
}
