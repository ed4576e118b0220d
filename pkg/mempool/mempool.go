// Package mempool buffers opaque application transactions awaiting
// inclusion in a micro block. The validator core treats transaction
// contents as opaque bytes; classifying and executing them is an
// application concern out of scope for this specification.
package mempool

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/albatross-chain/validator/pkg/chain"
)

// TxType is an application-defined tag a raw transaction is classified
// into. The validator core never interprets it beyond ordering and
// size accounting.
type TxType uint8

// Tx is one opaque transaction awaiting inclusion.
type Tx struct {
	Type  TxType
	Bytes []byte
}

// ClassifyRaw wraps a raw transaction payload into a Tx, tagging it
// with the type encoded in its first byte (0 if the payload is empty).
// Real type dispatch belongs to the application layer; this only keeps
// the same raw-bytes-in, tagged-struct-out shape the rest of the
// pipeline expects.
func ClassifyRaw(raw []byte) Tx {
	if len(raw) == 0 {
		return Tx{Type: 0, Bytes: raw}
	}
	return Tx{Type: TxType(raw[0]), Bytes: raw}
}

// Pool is a FIFO buffer of pending transactions.
type Pool struct {
	mu      sync.Mutex
	pending []Tx
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{}
}

// Add appends tx to the back of the pool.
func (p *Pool) Add(tx Tx) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, tx)
}

// Remove drops every transaction with matching bytes from the pool,
// called once a micro block carrying them has been produced or
// received.
func (p *Pool) Remove(included [][]byte) {
	if len(included) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(included))
	for _, b := range included {
		seen[string(b)] = struct{}{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.pending[:0]
	for _, tx := range p.pending {
		if _, ok := seen[string(tx.Bytes)]; ok {
			continue
		}
		kept = append(kept, tx)
	}
	p.pending = kept
}

// Len reports how many transactions are currently pending.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// ForProducing returns, in FIFO order, the raw bytes of as many pending
// transactions as fit within budget bytes.
func (p *Pool) ForProducing(budget int) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	used := 0
	for _, tx := range p.pending {
		if used+len(tx.Bytes) > budget {
			break
		}
		out = append(out, tx.Bytes)
		used += len(tx.Bytes)
	}
	return out
}

// EncodeBody frames a batch of transaction byte slices into the single
// opaque body blob a micro block carries.
func EncodeBody(txs [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(txs); err != nil {
		return nil, fmt.Errorf("encode micro block body: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBody is the inverse of EncodeBody.
func DecodeBody(body []byte) ([][]byte, error) {
	var txs [][]byte
	if len(body) == 0 {
		return nil, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&txs); err != nil {
		return nil, fmt.Errorf("decode micro block body: %w", err)
	}
	return txs, nil
}

// Assembler implements chain.MicroBodyAssembler by framing whatever
// transaction bytes the micro-block producer selected from the pool.
type Assembler struct{}

// AssembleMicroBody frames txs into the block body blob. The parent
// header is accepted to satisfy chain.MicroBodyAssembler but unused: an
// opaque-transaction body never depends on its parent's contents.
func (Assembler) AssembleMicroBody(_ chain.MicroHeader, txs [][]byte) []byte {
	body, err := EncodeBody(txs)
	if err != nil {
		// txs are freshly selected [][]byte values; gob-encoding a slice
		// of byte slices cannot fail.
		panic(fmt.Errorf("mempool: assemble micro body: %w", err))
	}
	return body
}
