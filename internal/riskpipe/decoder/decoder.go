// Package decoder maps raw logs to typed events. Decoding is a pure
// function of the RawEvent and the static contract table: no state, no I/O.
package decoder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/config"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
)

// DecodeError reports a recognized topic whose payload failed shape
// validation. Such events are skipped and counted, never silently dropped:
// a systematic rise means the on-chain schema no longer matches the table.
type DecodeError struct {
	Event  string
	LogID  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s %s: %s", e.Event, e.LogID, e.Reason)
}

// Event topic hashes, keccak over the canonical signatures. Uniswap V2 pair
// Mint and Compound cToken Mint share a signature, so lookup is keyed by
// (contract family, topic0).
var (
	TopicSwapV2 = sig("Swap(address,uint256,uint256,uint256,uint256,address)")
	TopicMint   = sig("Mint(address,uint256,uint256)")
	TopicBurnV2 = sig("Burn(address,uint256,uint256,address)")
	TopicSyncV2 = sig("Sync(uint112,uint112)")
	TopicRedeem = sig("Redeem(address,uint256,uint256)")
	TopicBorrow = sig("Borrow(address,uint256,uint256,uint256)")
	TopicRepay  = sig("RepayBorrow(address,address,uint256,uint256,uint256)")
)

func sig(s string) common.Hash { return crypto.Keccak256Hash([]byte(s)) }

// entry declares one tracked event kind: its expected topic count, the
// fixed word layout of its data payload, and how to build the typed event.
type entry struct {
	kind   model.EventKind
	topics int // len(Topics), including topic0
	words  int // 32-byte words in Data
	build  func(ct *config.Contract, words [][]byte, ev *model.NormalizedEvent)
}

var uniswapV2Table = map[common.Hash]entry{
	// Swap(sender idx, amount0In, amount1In, amount0Out, amount1Out, to idx)
	TopicSwapV2: {kind: model.KindSwap, topics: 3, words: 4, build: func(ct *config.Contract, w [][]byte, ev *model.NormalizedEvent) {
		idx := ct.ValueTokenIndex
		in := word(w, idx)
		out := word(w, idx+2)
		// one direction is always zero on the priced side
		ev.Amount = scale(new(big.Int).Add(in, out), ct.Decimals)
	}},
	// Mint(sender idx, amount0, amount1)
	TopicMint: {kind: model.KindMint, topics: 2, words: 2, build: func(ct *config.Contract, w [][]byte, ev *model.NormalizedEvent) {
		ev.Amount = scale(word(w, ct.ValueTokenIndex), ct.Decimals)
	}},
	// Burn(sender idx, amount0, amount1, to idx)
	TopicBurnV2: {kind: model.KindBurn, topics: 3, words: 2, build: func(ct *config.Contract, w [][]byte, ev *model.NormalizedEvent) {
		ev.Amount = scale(word(w, ct.ValueTokenIndex), ct.Decimals)
	}},
	// Sync(reserve0, reserve1), oriented so the priced side comes first
	TopicSyncV2: {kind: model.KindSync, topics: 1, words: 2, build: func(ct *config.Contract, w [][]byte, ev *model.NormalizedEvent) {
		base := scale(word(w, 0), ct.Decimals)
		quote := scale(word(w, 1), ct.Decimals)
		if ct.ValueTokenIndex == 1 {
			base, quote = quote, base
		}
		ev.ReserveBase = base
		ev.ReserveQuote = quote
	}},
}

var compoundV2Table = map[common.Hash]entry{
	// Mint(minter, mintAmount, mintTokens), amounts in underlying units
	TopicMint: {kind: model.KindMint, topics: 1, words: 3, build: func(ct *config.Contract, w [][]byte, ev *model.NormalizedEvent) {
		ev.Amount = scale(word(w, 1), ct.Decimals)
	}},
	// Redeem(redeemer, redeemAmount, redeemTokens)
	TopicRedeem: {kind: model.KindRedeem, topics: 1, words: 3, build: func(ct *config.Contract, w [][]byte, ev *model.NormalizedEvent) {
		ev.Amount = scale(word(w, 1), ct.Decimals)
	}},
	// Borrow(borrower, borrowAmount, accountBorrows, totalBorrows)
	TopicBorrow: {kind: model.KindBorrow, topics: 1, words: 4, build: func(ct *config.Contract, w [][]byte, ev *model.NormalizedEvent) {
		ev.Amount = scale(word(w, 1), ct.Decimals)
	}},
	// RepayBorrow(payer, borrower, repayAmount, accountBorrows, totalBorrows)
	TopicRepay: {kind: model.KindRepayBorrow, topics: 1, words: 5, build: func(ct *config.Contract, w [][]byte, ev *model.NormalizedEvent) {
		ev.Amount = scale(word(w, 2), ct.Decimals)
	}},
}

var tables = map[model.Protocol]map[common.Hash]entry{
	model.ProtocolUniswapV2:  uniswapV2Table,
	model.ProtocolCompoundV2: compoundV2Table,
}

type Decoder struct {
	contracts map[common.Address]*config.Contract
}

func New(contracts []config.Contract) *Decoder {
	m := make(map[common.Address]*config.Contract, len(contracts))
	for i := range contracts {
		m[contracts[i].Addr()] = &contracts[i]
	}
	return &Decoder{contracts: m}
}

// Contract returns the configuration of a tracked contract address.
func (d *Decoder) Contract(addr common.Address) (*config.Contract, bool) {
	ct, ok := d.contracts[addr]
	return ct, ok
}

// Addresses returns the tracked contract set for the fetcher's log filter.
func (d *Decoder) Addresses() []common.Address {
	out := make([]common.Address, 0, len(d.contracts))
	for addr := range d.contracts {
		out = append(out, addr)
	}
	return out
}

// TopicFilter returns the topic0 filter covering every tracked event kind.
func (d *Decoder) TopicFilter() [][]common.Hash {
	return [][]common.Hash{{
		TopicSwapV2, TopicMint, TopicBurnV2, TopicSyncV2,
		TopicRedeem, TopicBorrow, TopicRepay,
	}}
}

// Decode maps one RawEvent to zero or one NormalizedEvent. ok=false means
// the topic is not tracked for that contract family, which is expected
// noise rather than
// an error. A recognized topic with a malformed payload is a DecodeError.
func (d *Decoder) Decode(raw model.RawEvent) (model.NormalizedEvent, bool, error) {
	ct, tracked := d.contracts[raw.Address]
	if !tracked || len(raw.Topics) == 0 {
		return model.NormalizedEvent{}, false, nil
	}
	ent, known := tables[ct.Family()][raw.Topics[0]]
	if !known {
		return model.NormalizedEvent{}, false, nil
	}

	if len(raw.Topics) != ent.topics {
		return model.NormalizedEvent{}, false, &DecodeError{
			Event:  ent.kind.String(),
			LogID:  raw.ID(),
			Reason: fmt.Sprintf("want %d topics, got %d", ent.topics, len(raw.Topics)),
		}
	}
	if len(raw.Data) != 32*ent.words {
		return model.NormalizedEvent{}, false, &DecodeError{
			Event:  ent.kind.String(),
			LogID:  raw.ID(),
			Reason: fmt.Sprintf("want %d data bytes, got %d", 32*ent.words, len(raw.Data)),
		}
	}

	words := make([][]byte, ent.words)
	for i := 0; i < ent.words; i++ {
		words[i] = raw.Data[32*i : 32*(i+1)]
	}

	ev := model.NormalizedEvent{
		Kind:        ent.kind,
		Protocol:    ct.Family(),
		Contract:    raw.Address,
		BlockNumber: raw.BlockNumber,
		TxHash:      raw.TxHash,
		LogIndex:    raw.LogIndex,
		Timestamp:   raw.BlockTime,
	}
	ent.build(ct, words, &ev)
	return ev, true, nil
}

func word(words [][]byte, i int) *big.Int {
	return new(big.Int).SetBytes(words[i])
}

func scale(v *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(v, -decimals)
}
