package memledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"ridechain/internal/ledger"
)

// Block records one confirmed call. Blocks are hash-chained so the history
// of a development ledger can be checked after a run.
type Block struct {
	Index     uint64          `json:"index"`
	Timestamp int64           `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	TxID      string          `json:"tx_id"`
	Call      ledger.CallName `json:"call"`
	From      string          `json:"from"`
	RideID    uint64          `json:"ride_id"`
	Value     string          `json:"value"`
}

// Chain is an append-only list of blocks starting from a genesis block whose
// PrevHash is "0".
type Chain struct {
	mu     sync.RWMutex
	blocks []Block
}

func newChain(now time.Time) *Chain {
	genesis := Block{
		Index:     0,
		Timestamp: now.Unix(),
		PrevHash:  "0",
		Call:      "genesis",
	}
	genesis.Hash = calculateHash(genesis)
	return &Chain{blocks: []Block{genesis}}
}

// append seals a block for a confirmed call and returns it.
func (c *Chain) append(now time.Time, txID string, call ledger.Call) Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	latest := c.blocks[len(c.blocks)-1]
	block := Block{
		Index:     latest.Index + 1,
		Timestamp: now.Unix(),
		PrevHash:  latest.Hash,
		TxID:      txID,
		Call:      call.Name,
		From:      call.From,
		RideID:    call.RideID,
		Value:     call.Value.Ether(),
	}
	block.Hash = calculateHash(block)
	c.blocks = append(c.blocks, block)
	return block
}

// Blocks returns a copy of the chain.
func (c *Chain) Blocks() []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// Len is the number of blocks including genesis.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Verify walks the chain and reports the first broken link.
func (c *Chain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.blocks) == 0 {
		return fmt.Errorf("empty chain")
	}
	if c.blocks[0].PrevHash != "0" {
		return fmt.Errorf("invalid genesis block")
	}
	for i := 1; i < len(c.blocks); i++ {
		if err := validateBlock(c.blocks[i], c.blocks[i-1]); err != nil {
			return fmt.Errorf("block %d invalid: %w", i, err)
		}
	}
	return nil
}

func validateBlock(current, previous Block) error {
	if current.Index != previous.Index+1 {
		return fmt.Errorf("invalid index: expected %d, got %d", previous.Index+1, current.Index)
	}
	if current.PrevHash != previous.Hash {
		return fmt.Errorf("invalid prev hash: expected %s, got %s", previous.Hash, current.PrevHash)
	}
	if expected := calculateHash(current); current.Hash != expected {
		return fmt.Errorf("invalid hash: expected %s, got %s", expected, current.Hash)
	}
	return nil
}

func calculateHash(b Block) string {
	data := fmt.Sprintf("%d|%d|%s|%s|%s|%s|%d|%s",
		b.Index,
		b.Timestamp,
		b.PrevHash,
		b.TxID,
		b.Call,
		b.From,
		b.RideID,
		b.Value,
	)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
