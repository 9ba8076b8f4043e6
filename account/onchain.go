package account

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthActivityChecker is the production OnChainChecker: it dials an EVM RPC
// endpoint and checks the bridge-side source address has a nonzero balance
// or transaction count, as a best-effort signal that a deposit's declared
// origin is not obviously fabricated. A negative or errored result is
// never fatal to CreditDeposit — see Manager.CreditDeposit.
type EthActivityChecker struct {
	client *ethclient.Client
}

// DialEthActivityChecker connects to an EVM JSON-RPC endpoint. Returns an
// error if the endpoint is unreachable; callers should treat that as
// "disable the check", not as a startup failure, matching spec.md's
// "optionally consults a chain RPC" framing.
func DialEthActivityChecker(rpcURL string) (*EthActivityChecker, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial eth rpc: %w", err)
	}
	return &EthActivityChecker{client: client}, nil
}

// HasActivity reports whether addr (interpreted as a hex EVM address) has
// either a nonzero balance or a nonzero transaction count.
func (c *EthActivityChecker) HasActivity(ctx context.Context, addr string) (bool, error) {
	if !common.IsHexAddress(addr) {
		return false, fmt.Errorf("not a hex address: %s", addr)
	}
	a := common.HexToAddress(addr)

	balance, err := c.client.BalanceAt(ctx, a, nil)
	if err != nil {
		return false, fmt.Errorf("balance at: %w", err)
	}
	if balance.Cmp(big.NewInt(0)) > 0 {
		return true, nil
	}

	nonce, err := c.client.NonceAt(ctx, a, nil)
	if err != nil {
		return false, fmt.Errorf("nonce at: %w", err)
	}
	return nonce > 0, nil
}

func (c *EthActivityChecker) Close() {
	c.client.Close()
}
