package model

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Protocol names a tracked contract family. The family decides which decode
// table applies: Uniswap V2 pair Mint and Compound cToken Mint share the
// same topic hash and can only be told apart by the emitting contract.
type Protocol string

const (
	ProtocolUniswapV2  Protocol = "uniswap_v2"
	ProtocolCompoundV2 Protocol = "compound_v2"
)

// EventKind is the tagged variant of a decoded event.
type EventKind uint8

const (
	KindUnknown EventKind = iota
	KindSwap
	KindMint
	KindBurn
	KindSync
	KindRedeem
	KindBorrow
	KindRepayBorrow
)

func (k EventKind) String() string {
	switch k {
	case KindSwap:
		return "swap"
	case KindMint:
		return "mint"
	case KindBurn:
		return "burn"
	case KindSync:
		return "sync"
	case KindRedeem:
		return "redeem"
	case KindBorrow:
		return "borrow"
	case KindRepayBorrow:
		return "repay_borrow"
	default:
		return "unknown"
	}
}

// RawEvent is one fetched log. Immutable once fetched; uniquely identified
// by (TxHash, LogIndex) across retries and re-fetches.
type RawEvent struct {
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	Address     common.Address
	Topics      []common.Hash
	Data        []byte

	// BlockTime is resolved by the fetcher from the block header.
	BlockTime int64
}

func (e RawEvent) ID() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// NormalizedEvent is produced deterministically from exactly one RawEvent.
// Amount is in token units on the contract's priced side, already scaled by
// the token's decimals; the sign is always positive here, the aggregator
// applies direction per kind.
type NormalizedEvent struct {
	Kind     EventKind
	Protocol Protocol
	Contract common.Address

	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	Timestamp   int64

	Amount decimal.Decimal

	// Reserves are set on Sync events (token units, scaled), oriented so
	// ReserveBase is the pair's priced side regardless of token order.
	ReserveBase  decimal.Decimal
	ReserveQuote decimal.Decimal
}
