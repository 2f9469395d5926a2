package wallet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const (
	erc20ABI = `[
		{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function","stateMutability":"view"},
		{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function","stateMutability":"view"},
		{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function","stateMutability":"view"}
	]`

	methodBalanceOf = "balanceOf"
	methodDecimals  = "decimals"

	defaultTokenDecimals  = 18
	defaultRPCTimeout     = 10 * time.Second
	defaultBalanceRetries = 3
	defaultRetryBackoff   = 200 * time.Millisecond
)

var (
	errMissingCaller       = errors.New("chain caller is required")
	errMissingTokenAddress = errors.New("token address is required")
	errUnexpectedOutput    = errors.New("unexpected contract output")
)

// ChainCaller is the subset of ethclient.Client used for read-only contract calls.
type ChainCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// TokenBalanceConfig configures a TokenBalanceReader.
type TokenBalanceConfig struct {
	Caller       ChainCaller
	TokenAddress string
	Timeout      time.Duration
	Retries      uint
	RetryBackoff time.Duration
	Logger       *zap.Logger
}

// TokenBalanceReader reads ERC-20 balances for wallet addresses.
type TokenBalanceReader struct {
	caller       ChainCaller
	token        common.Address
	contractABI  abi.ABI
	timeout      time.Duration
	retries      uint
	retryBackoff time.Duration
	logger       *zap.Logger
}

// NewTokenBalanceReader validates configuration and parses the ERC-20 ABI.
func NewTokenBalanceReader(cfg TokenBalanceConfig) (*TokenBalanceReader, error) {
	if cfg.Caller == nil {
		return nil, fmt.Errorf("%w: %v", ErrWalletUnavailable, errMissingCaller)
	}
	tokenAddress := strings.TrimSpace(cfg.TokenAddress)
	if tokenAddress == "" {
		return nil, errMissingTokenAddress
	}
	if !common.IsHexAddress(tokenAddress) {
		return nil, fmt.Errorf("%w: token %q", ErrInvalidAddress, tokenAddress)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	retries := cfg.Retries
	if retries == 0 {
		retries = defaultBalanceRetries
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TokenBalanceReader{
		caller:       cfg.Caller,
		token:        common.HexToAddress(tokenAddress),
		contractABI:  parsed,
		timeout:      timeout,
		retries:      retries,
		retryBackoff: retryBackoff,
		logger:       logger,
	}, nil
}

// BalanceOf returns the owner's balance in whole-token units.
// On failure it returns UnknownBalance together with an error wrapping ErrBalanceFetchFailed.
func (r *TokenBalanceReader) BalanceOf(ctx context.Context, owner Address) (Balance, error) {
	if r == nil || r.caller == nil {
		return UnknownBalance(), ErrWalletUnavailable
	}
	if owner.IsZero() {
		return UnknownBalance(), fmt.Errorf("%w: %v", ErrBalanceFetchFailed, ErrInvalidAddress)
	}

	decimals := r.readDecimals(ctx)

	var raw *big.Int
	action := func(attempt uint) error {
		value, err := r.readBalance(ctx, owner)
		if err != nil {
			r.logger.Debug("balance read attempt failed",
				zap.Uint("attempt", attempt),
				zap.String("address", owner.String()),
				zap.Error(err))
			return err
		}
		raw = value
		return nil
	}
	if err := retry.Retry(action, strategy.Limit(r.retries), strategy.Backoff(backoff.Fibonacci(r.retryBackoff))); err != nil {
		r.logger.Warn("balance fetch failed", zap.String("address", owner.String()), zap.Error(err))
		return UnknownBalance(), fmt.Errorf("%w: %v", ErrBalanceFetchFailed, err)
	}

	return KnownBalance(toTokenUnits(raw, decimals)), nil
}

func (r *TokenBalanceReader) readBalance(ctx context.Context, owner Address) (*big.Int, error) {
	data, err := r.contractABI.Pack(methodBalanceOf, owner.Common())
	if err != nil {
		return nil, err
	}
	output, err := r.call(ctx, data)
	if err != nil {
		return nil, err
	}
	values, err := r.contractABI.Unpack(methodBalanceOf, output)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, errUnexpectedOutput
	}
	balance, ok := values[0].(*big.Int)
	if !ok || balance == nil {
		return nil, errUnexpectedOutput
	}
	return balance, nil
}

// readDecimals falls back to 18 when the token does not answer decimals().
func (r *TokenBalanceReader) readDecimals(ctx context.Context) uint8 {
	data, err := r.contractABI.Pack(methodDecimals)
	if err != nil {
		return defaultTokenDecimals
	}
	output, err := r.call(ctx, data)
	if err != nil {
		r.logger.Debug("decimals read failed, using default", zap.Error(err))
		return defaultTokenDecimals
	}
	values, err := r.contractABI.Unpack(methodDecimals, output)
	if err != nil || len(values) != 1 {
		return defaultTokenDecimals
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return defaultTokenDecimals
	}
	return decimals
}

func (r *TokenBalanceReader) call(ctx context.Context, data []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	token := r.token
	return r.caller.CallContract(callCtx, ethereum.CallMsg{To: &token, Data: data}, nil)
}

func toTokenUnits(raw *big.Int, decimals uint8) float64 {
	if raw == nil {
		return 0
	}
	divisor := new(big.Float).SetFloat64(math.Pow10(int(decimals)))
	amount, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), divisor).Float64()
	return amount
}
