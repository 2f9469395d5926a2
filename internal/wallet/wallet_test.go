package wallet

import (
	"context"
	"errors"
	"math"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	testTokenAddress = "0x4989e24fEC5E3bb2De5d67C078e5a28c37681cB9"
	testOwnerAddress = "0x1111111111111111111111111111111111111111"
)

type stubCaller struct {
	contractABI   abi.ABI
	balance       *big.Int
	decimals      uint8
	failDecimals  bool
	failuresLeft  int
	balanceCalls  int
	alwaysFailErr error
}

func newStubCaller(t *testing.T, balance *big.Int, decimals uint8) *stubCaller {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		t.Fatalf("failed to parse abi: %v", err)
	}
	return &stubCaller{contractABI: parsed, balance: balance, decimals: decimals}
}

func (s *stubCaller) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := s.contractABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case methodDecimals:
		if s.failDecimals {
			return nil, errors.New("execution reverted")
		}
		return method.Outputs.Pack(s.decimals)
	case methodBalanceOf:
		s.balanceCalls++
		if s.alwaysFailErr != nil {
			return nil, s.alwaysFailErr
		}
		if s.failuresLeft > 0 {
			s.failuresLeft--
			return nil, errors.New("connection reset")
		}
		return method.Outputs.Pack(s.balance)
	default:
		return nil, errors.New("unexpected method")
	}
}

func tokens(whole int64, decimals uint8) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(big.NewInt(whole), scale)
}

func mustAddress(t *testing.T, raw string) Address {
	t.Helper()
	address, err := ParseAddress(raw)
	if err != nil {
		t.Fatalf("failed to parse address %q: %v", raw, err)
	}
	return address
}

func newTestReader(t *testing.T, caller *stubCaller, retries uint) *TokenBalanceReader {
	t.Helper()
	reader, err := NewTokenBalanceReader(TokenBalanceConfig{
		Caller:       caller,
		TokenAddress: testTokenAddress,
		Retries:      retries,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct reader: %v", err)
	}
	return reader
}

func assertAmount(t *testing.T, balance Balance, expected float64) {
	t.Helper()
	if !balance.Known || math.Abs(balance.Amount-expected) > 1e-9 {
		t.Fatalf("expected known balance %v, got %+v", expected, balance)
	}
}

func TestParseAddressChecksumsInput(t *testing.T) {
	address, err := ParseAddress("  0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if address != Address("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed") {
		t.Fatalf("expected checksummed address, got %q", address)
	}
	if short := address.Short(); short != "0x5aAe...eAed" {
		t.Fatalf("unexpected short form %q", short)
	}

	for _, raw := range []string{"", "0x1234"} {
		if _, err := ParseAddress(raw); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("input %q: expected ErrInvalidAddress, got %v", raw, err)
		}
	}
}

func TestBalanceString(t *testing.T) {
	if value := UnknownBalance().String(); value != "---" {
		t.Fatalf("unexpected unknown rendering %q", value)
	}
	if value := KnownBalance(2500.5).String(); value != "2500.50" {
		t.Fatalf("unexpected known rendering %q", value)
	}
}

func TestTokenBalanceReaderAppliesDecimals(t *testing.T) {
	reader := newTestReader(t, newStubCaller(t, tokens(2500, 6), 6), 0)

	balance, err := reader.BalanceOf(context.Background(), mustAddress(t, testOwnerAddress))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAmount(t, balance, 2500)
}

func TestTokenBalanceReaderFallsBackToEighteenDecimals(t *testing.T) {
	caller := newStubCaller(t, tokens(3, 18), 0)
	caller.failDecimals = true
	reader := newTestReader(t, caller, 0)

	balance, err := reader.BalanceOf(context.Background(), mustAddress(t, testOwnerAddress))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAmount(t, balance, 3)
}

func TestTokenBalanceReaderRetriesTransientFailures(t *testing.T) {
	caller := newStubCaller(t, tokens(10, 18), 18)
	caller.failuresLeft = 2
	reader := newTestReader(t, caller, 3)

	balance, err := reader.BalanceOf(context.Background(), mustAddress(t, testOwnerAddress))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAmount(t, balance, 10)
	if caller.balanceCalls != 3 {
		t.Fatalf("expected 3 balance calls, got %d", caller.balanceCalls)
	}
}

func TestTokenBalanceReaderReportsUnknownBalanceOnFailure(t *testing.T) {
	caller := newStubCaller(t, nil, 18)
	caller.alwaysFailErr = errors.New("rpc down")
	reader := newTestReader(t, caller, 2)

	balance, err := reader.BalanceOf(context.Background(), mustAddress(t, testOwnerAddress))
	if !errors.Is(err, ErrBalanceFetchFailed) {
		t.Fatalf("expected ErrBalanceFetchFailed, got %v", err)
	}
	if balance.Known {
		t.Fatalf("expected unknown balance, got %+v", balance)
	}
	if caller.balanceCalls != 2 {
		t.Fatalf("expected 2 balance calls, got %d", caller.balanceCalls)
	}
}

func TestNewTokenBalanceReaderRequiresCaller(t *testing.T) {
	_, err := NewTokenBalanceReader(TokenBalanceConfig{TokenAddress: testTokenAddress})
	if !errors.Is(err, ErrWalletUnavailable) {
		t.Fatalf("expected ErrWalletUnavailable, got %v", err)
	}
}

func newSigner(t *testing.T) (Address, func(message string) string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	sign := func(message string) string {
		signature, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
		if err != nil {
			t.Fatalf("failed to sign: %v", err)
		}
		signature[crypto.RecoveryIDOffset] += 27
		return hexutil.Encode(signature)
	}
	return Address(crypto.PubkeyToAddress(key.PublicKey).Hex()), sign
}

func TestChallengerAcceptsValidSignatureOnce(t *testing.T) {
	challenger, err := NewChallenger(ChallengerConfig{Store: NewMemoryNonceStore(nil)})
	if err != nil {
		t.Fatalf("failed to construct challenger: %v", err)
	}
	address, sign := newSigner(t)

	challenge, err := challenger.Issue(context.Background(), address)
	if err != nil {
		t.Fatalf("failed to issue challenge: %v", err)
	}
	if !strings.Contains(challenge.Message, challenge.Nonce) {
		t.Fatalf("challenge message %q does not carry nonce %q", challenge.Message, challenge.Nonce)
	}

	signatureHex := sign(challenge.Message)
	if err := challenger.Verify(context.Background(), address, signatureHex); err != nil {
		t.Fatalf("expected signature to verify: %v", err)
	}
	if err := challenger.Verify(context.Background(), address, signatureHex); !errors.Is(err, ErrWalletRejected) {
		t.Fatalf("expected replay to be rejected, got %v", err)
	}
}

func TestChallengerRejectsForeignSignature(t *testing.T) {
	challenger, err := NewChallenger(ChallengerConfig{Store: NewMemoryNonceStore(nil)})
	if err != nil {
		t.Fatalf("failed to construct challenger: %v", err)
	}

	claimed := mustAddress(t, "0x2222222222222222222222222222222222222222")
	challenge, err := challenger.Issue(context.Background(), claimed)
	if err != nil {
		t.Fatalf("failed to issue challenge: %v", err)
	}

	_, sign := newSigner(t)
	if err := challenger.Verify(context.Background(), claimed, sign(challenge.Message)); !errors.Is(err, ErrWalletRejected) {
		t.Fatalf("expected ErrWalletRejected, got %v", err)
	}
}

func TestChallengerRejectsExpiredChallenge(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	challenger, err := NewChallenger(ChallengerConfig{
		Store:           NewMemoryNonceStore(clock),
		ApprovalTimeout: time.Minute,
		Clock:           clock,
	})
	if err != nil {
		t.Fatalf("failed to construct challenger: %v", err)
	}

	address, sign := newSigner(t)
	challenge, err := challenger.Issue(context.Background(), address)
	if err != nil {
		t.Fatalf("failed to issue challenge: %v", err)
	}
	if !challenge.ExpiresAt.Equal(now.UTC().Add(time.Minute)) {
		t.Fatalf("unexpected expiry %s", challenge.ExpiresAt)
	}

	signatureHex := sign(challenge.Message)
	now = now.Add(2 * time.Minute)
	if err := challenger.Verify(context.Background(), address, signatureHex); !errors.Is(err, ErrWalletRejected) {
		t.Fatalf("expected ErrWalletRejected after expiry, got %v", err)
	}
}

func TestRecoverSignerRejectsMalformedSignature(t *testing.T) {
	for _, signature := range []string{"0x1234", "not-hex"} {
		if _, err := RecoverSigner("hello", signature); err == nil {
			t.Fatalf("expected error for signature %q", signature)
		}
	}
}
