package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

const (
	defaultApprovalTimeout = 5 * time.Minute
	challengeMessagePrefix = "Sign in to DAO Ledger\nNonce: "
	signatureLength        = 65
)

var (
	// ErrNonceNotFound indicates that no pending challenge exists for the address (never issued, consumed or expired).
	ErrNonceNotFound = errors.New("wallet: challenge nonce not found")

	errMissingNonceStore = errors.New("nonce store is required")
)

// NonceStore persists pending challenge nonces per address.
type NonceStore interface {
	Put(ctx context.Context, address Address, nonce string, ttl time.Duration) error
	// Take returns and removes the pending nonce, or ErrNonceNotFound.
	Take(ctx context.Context, address Address) (string, error)
}

// ChallengerConfig configures a Challenger.
type ChallengerConfig struct {
	Store           NonceStore
	ApprovalTimeout time.Duration
	Clock           func() time.Time
}

// Challenge is the message a wallet must sign to prove control of an address.
type Challenge struct {
	Address   Address
	Nonce     string
	Message   string
	ExpiresAt time.Time
}

// Challenger issues and verifies personal_sign challenges.
type Challenger struct {
	store           NonceStore
	approvalTimeout time.Duration
	clock           func() time.Time
}

// NewChallenger constructs a Challenger. ApprovalTimeout bounds how long a wallet may take to approve the signature.
func NewChallenger(cfg ChallengerConfig) (*Challenger, error) {
	if cfg.Store == nil {
		return nil, errMissingNonceStore
	}
	timeout := cfg.ApprovalTimeout
	if timeout <= 0 {
		timeout = defaultApprovalTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Challenger{store: cfg.Store, approvalTimeout: timeout, clock: clock}, nil
}

// Issue creates a fresh challenge for the address, replacing any pending one.
func (c *Challenger) Issue(ctx context.Context, address Address) (Challenge, error) {
	if address.IsZero() {
		return Challenge{}, ErrInvalidAddress
	}
	nonce := uuid.NewString()
	if err := c.store.Put(ctx, address, nonce, c.approvalTimeout); err != nil {
		return Challenge{}, fmt.Errorf("%w: %v", ErrWalletUnavailable, err)
	}
	return Challenge{
		Address:   address,
		Nonce:     nonce,
		Message:   ChallengeMessage(nonce),
		ExpiresAt: c.clock().UTC().Add(c.approvalTimeout),
	}, nil
}

// Verify consumes the pending nonce and checks the hex signature recovers to address.
func (c *Challenger) Verify(ctx context.Context, address Address, signatureHex string) error {
	if address.IsZero() {
		return ErrInvalidAddress
	}
	nonce, err := c.store.Take(ctx, address)
	if errors.Is(err, ErrNonceNotFound) {
		return fmt.Errorf("%w: %v", ErrWalletRejected, err)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWalletUnavailable, err)
	}

	signer, err := RecoverSigner(ChallengeMessage(nonce), signatureHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWalletRejected, err)
	}
	if signer != address {
		return fmt.Errorf("%w: signature does not match address", ErrWalletRejected)
	}
	return nil
}

// ChallengeMessage is the exact text presented to the wallet for signing.
func ChallengeMessage(nonce string) string {
	return challengeMessagePrefix + nonce
}

// RecoverSigner returns the address that produced an EIP-191 personal_sign signature over message.
func RecoverSigner(message, signatureHex string) (Address, error) {
	signature, err := hexutil.Decode(strings.TrimSpace(signatureHex))
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(signature) != signatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", signatureLength, len(signature))
	}
	sig := make([]byte, signatureLength)
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	publicKey, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	return Address(crypto.PubkeyToAddress(*publicKey).Hex()), nil
}
