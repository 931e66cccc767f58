package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/retry"
)

// Client is the read-only slice of the node API the pipeline needs:
// log queries, head/header lookups and contract calls for oracle reads.
// *ethclient.Client satisfies it; tests inject fakes.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

func Dial(ctx context.Context, rawURL string) (*ethclient.Client, error) {
	return ethclient.DialContext(ctx, rawURL)
}

// Classify maps RPC errors to retry classes. Cancellation is fatal;
// everything else (timeouts, rate caps, resets) is worth another attempt
// within the policy's bounded budget.
func Classify(err error) retry.Class {
	if errors.Is(err, context.Canceled) {
		return retry.Fatal
	}
	return retry.Retryable
}
