package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidAddress indicates that a wallet address is empty or not a 20-byte hex address.
	ErrInvalidAddress = errors.New("wallet: invalid address")
	// ErrWalletRejected indicates that the wallet holder declined or failed the signature challenge.
	ErrWalletRejected = errors.New("wallet: request rejected")
	// ErrWalletUnavailable indicates that no wallet or chain provider is reachable.
	ErrWalletUnavailable = errors.New("wallet: provider unavailable")
	// ErrBalanceFetchFailed indicates that the token balance could not be read.
	ErrBalanceFetchFailed = errors.New("wallet: balance fetch failed")
)

// Address is an EIP-55 checksummed wallet address. The zero value means "not connected".
type Address string

// ParseAddress validates raw input and returns the checksummed Address.
func ParseAddress(rawInput string) (Address, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, trimmed)
	}
	return Address(common.HexToAddress(trimmed).Hex()), nil
}

// String returns the checksummed hex form.
func (a Address) String() string {
	return string(a)
}

// IsZero reports whether no address is present.
func (a Address) IsZero() bool {
	return a == ""
}

// Common converts the address into its go-ethereum representation.
func (a Address) Common() common.Address {
	return common.HexToAddress(string(a))
}

// Short renders the address as 0x1234...abcd.
func (a Address) Short() string {
	value := string(a)
	if len(value) <= 10 {
		return value
	}
	return value[:6] + "..." + value[len(value)-4:]
}

// Balance is a token balance that may be unknown when the chain read failed.
type Balance struct {
	Amount float64
	Known  bool
}

// KnownBalance wraps an amount read successfully from the chain.
func KnownBalance(amount float64) Balance {
	return Balance{Amount: amount, Known: true}
}

// UnknownBalance is the placeholder used after a failed read.
func UnknownBalance() Balance {
	return Balance{}
}

// String renders the balance with two decimals, or "---" when unknown.
func (b Balance) String() string {
	if !b.Known {
		return "---"
	}
	return fmt.Sprintf("%.2f", b.Amount)
}
