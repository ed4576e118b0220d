package mempool

import "testing"

func TestForProducingRespectsBudget(t *testing.T) {
	p := New()
	p.Add(Tx{Bytes: []byte("aaaa")})
	p.Add(Tx{Bytes: []byte("bbbb")})
	p.Add(Tx{Bytes: []byte("cccc")})

	got := p.ForProducing(9)
	if len(got) != 2 {
		t.Fatalf("ForProducing returned %d txs, want 2", len(got))
	}
}

func TestRemoveDropsIncludedTxs(t *testing.T) {
	p := New()
	p.Add(Tx{Bytes: []byte("one")})
	p.Add(Tx{Bytes: []byte("two")})

	p.Remove([][]byte{[]byte("one")})
	if p.Len() != 1 {
		t.Fatalf("pool length after remove = %d, want 1", p.Len())
	}
	remaining := p.ForProducing(100)
	if len(remaining) != 1 || string(remaining[0]) != "two" {
		t.Fatalf("unexpected remaining tx: %v", remaining)
	}
}

func TestEncodeDecodeBodyRoundTrips(t *testing.T) {
	txs := [][]byte{[]byte("tx1"), []byte("tx2")}
	body, err := EncodeBody(txs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeBody(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2 || string(decoded[0]) != "tx1" || string(decoded[1]) != "tx2" {
		t.Fatalf("round-trip mismatch: %v", decoded)
	}
}

func TestDecodeEmptyBodyReturnsNil(t *testing.T) {
	decoded, err := DecodeBody(nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != nil {
		t.Fatalf("expected nil for empty body, got %v", decoded)
	}
}

func TestClassifyRawTagsFirstByteAsType(t *testing.T) {
	tx := ClassifyRaw([]byte{0x05, 0xAA, 0xBB})
	if tx.Type != 5 {
		t.Fatalf("tx type = %d, want 5", tx.Type)
	}
}
