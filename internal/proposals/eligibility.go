package proposals

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/dao-ledger/internal/wallet"
)

const (
	// DefaultMinCreationBalance is the token balance required to open a proposal.
	DefaultMinCreationBalance = 2500
	// DefaultVotingPeriod is the span between creation and deadline for new proposals.
	DefaultVotingPeriod = 120 * time.Hour
)

// Policy carries the product choices that differ between deployments.
type Policy struct {
	// Weighted counts a vote as the voter's token balance instead of 1.
	Weighted bool
	// AllowAbstain enables the abstain option.
	AllowAbstain bool
	Rounding     RoundingPolicy
	// MinCreationBalance gates proposal creation; zero disables the gate.
	MinCreationBalance float64
	VotingPeriod       time.Duration
}

// DefaultPolicy mirrors the token-weighted deployment.
func DefaultPolicy() Policy {
	return Policy{
		Weighted:           true,
		AllowAbstain:       true,
		Rounding:           RoundingInteger,
		MinCreationBalance: DefaultMinCreationBalance,
		VotingPeriod:       DefaultVotingPeriod,
	}
}

func (p Policy) normalized() Policy {
	if p.Rounding == "" {
		p.Rounding = RoundingInteger
	}
	if p.VotingPeriod <= 0 {
		p.VotingPeriod = DefaultVotingPeriod
	}
	if p.MinCreationBalance < 0 {
		p.MinCreationBalance = 0
	}
	return p
}

// Options lists the options a voter may choose under this policy.
func (p Policy) Options() []VoteOption {
	if p.AllowAbstain {
		return AllVoteOptions()
	}
	return []VoteOption{VoteFor, VoteAgainst}
}

// ValidateOption rejects unknown options and abstain when it is disabled.
func (p Policy) ValidateOption(option VoteOption) error {
	if !option.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidOption, int(option))
	}
	if option == VoteAbstain && !p.AllowAbstain {
		return fmt.Errorf("%w: abstain disabled", ErrInvalidOption)
	}
	return nil
}

// CanVote checks, in order: a connected address, no prior vote, an open proposal, and
// (for weighted voting) a known positive balance. An unknown balance fails closed.
func (p Policy) CanVote(proposal Proposal, voter wallet.Address, balance wallet.Balance, now time.Time) error {
	if voter.IsZero() {
		return ErrNotConnected
	}
	if proposal.HasVoted(voter) {
		return ErrAlreadyVoted
	}
	if proposal.Status(now) == StatusClosed {
		return ErrExpired
	}
	if p.Weighted {
		if !balance.Known {
			return wallet.ErrBalanceFetchFailed
		}
		if balance.Amount <= 0 {
			return ErrInsufficientBalance
		}
	}
	return nil
}

// VoteWeight is 1 for unweighted voting, otherwise the voter's balance.
func (p Policy) VoteWeight(balance wallet.Balance) float64 {
	if !p.Weighted {
		return 1
	}
	return balance.Amount
}

// CanCreateWith applies the creation gate. An unknown balance fails closed while the gate is active.
func (p Policy) CanCreateWith(balance wallet.Balance) error {
	if p.MinCreationBalance <= 0 {
		return nil
	}
	if !balance.Known {
		return wallet.ErrBalanceFetchFailed
	}
	if !CanCreate(balance.Amount, p.MinCreationBalance) {
		return ErrInsufficientBalance
	}
	return nil
}

// CanCreate reports whether balance meets minimum (inclusive).
func CanCreate(balance, minimum float64) bool {
	return balance >= minimum
}

// ApplyVote returns a copy of proposal with weight added to option and voter recorded.
// Repeat votes are rejected by CanVote, not here.
func ApplyVote(proposal Proposal, voter wallet.Address, option VoteOption, weight float64) Proposal {
	updated := proposal
	if option.Valid() && weight > 0 {
		updated.Votes[option] += weight
	}
	updated.VotedUsers = proposal.VotedUsers.With(voter)
	return updated
}

// ValidateProposalText trims both fields and enforces presence and the character limits.
func ValidateProposalText(title, description string) (string, string, error) {
	trimmedTitle := strings.TrimSpace(title)
	trimmedDescription := strings.TrimSpace(description)
	if trimmedTitle == "" || trimmedDescription == "" {
		return "", "", ErrMissingField
	}
	if utf8.RuneCountInString(trimmedTitle) > MaxTitleLength {
		return "", "", fmt.Errorf("%w: limit %d", ErrTitleTooLong, MaxTitleLength)
	}
	if utf8.RuneCountInString(trimmedDescription) > MaxDescriptionLength {
		return "", "", fmt.Errorf("%w: limit %d", ErrDescriptionTooLong, MaxDescriptionLength)
	}
	return trimmedTitle, trimmedDescription, nil
}
