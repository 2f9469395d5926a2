package proposals

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/dao-ledger/internal/wallet"
)

const (
	maxIdentifierLength = 190
	// MaxTitleLength is the inclusive character limit for titles.
	MaxTitleLength = 30
	// MaxDescriptionLength is the inclusive character limit for descriptions.
	MaxDescriptionLength = 140
	// DefaultDeadlineOffset derives a deadline for records persisted without one.
	DefaultDeadlineOffset = 120 * time.Hour
)

var (
	// ErrNotConnected indicates that no wallet address accompanies the request.
	ErrNotConnected = errors.New("proposals: wallet not connected")
	// ErrAlreadyVoted indicates that the address already voted on the proposal.
	ErrAlreadyVoted = errors.New("proposals: address already voted")
	// ErrInsufficientBalance indicates that the token balance does not meet the requirement.
	ErrInsufficientBalance = errors.New("proposals: insufficient token balance")
	// ErrExpired indicates that the proposal deadline has passed.
	ErrExpired = errors.New("proposals: voting period has ended")
	// ErrTitleTooLong indicates that the title exceeds MaxTitleLength characters.
	ErrTitleTooLong = errors.New("proposals: title too long")
	// ErrDescriptionTooLong indicates that the description exceeds MaxDescriptionLength characters.
	ErrDescriptionTooLong = errors.New("proposals: description too long")
	// ErrMissingField indicates that the title or description is blank.
	ErrMissingField = errors.New("proposals: title and description are required")
	// ErrInvalidOption indicates an unknown or disabled vote option.
	ErrInvalidOption = errors.New("proposals: invalid vote option")
	// ErrProposalNotFound indicates that no proposal exists with the identifier.
	ErrProposalNotFound = errors.New("proposals: proposal not found")
	// ErrInvalidProposalID indicates that a proposal identifier is empty or exceeds storage bounds.
	ErrInvalidProposalID = errors.New("proposals: invalid proposal id")
)

// ProposalID represents a validated proposal identifier.
type ProposalID string

// NewProposalID validates raw input and returns a ProposalID.
func NewProposalID(rawInput string) (ProposalID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProposalID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProposalID, maxIdentifierLength)
	}
	return ProposalID(trimmed), nil
}

// String returns the underlying identifier.
func (id ProposalID) String() string {
	return string(id)
}

// ProposalStatus is derived from the deadline on every read and never persisted.
type ProposalStatus string

const (
	StatusActive ProposalStatus = "active"
	StatusClosed ProposalStatus = "closed"
)

// VoterSet is the membership set of addresses that voted on a proposal.
type VoterSet map[wallet.Address]struct{}

// NewVoterSet builds a set from addresses, dropping blanks and duplicates.
func NewVoterSet(addresses ...wallet.Address) VoterSet {
	set := make(VoterSet, len(addresses))
	for _, address := range addresses {
		if address.IsZero() {
			continue
		}
		set[address] = struct{}{}
	}
	return set
}

// Contains reports membership.
func (s VoterSet) Contains(address wallet.Address) bool {
	if address.IsZero() {
		return false
	}
	_, ok := s[address]
	return ok
}

// With returns a copy of the set including address.
func (s VoterSet) With(address wallet.Address) VoterSet {
	next := make(VoterSet, len(s)+1)
	for existing := range s {
		next[existing] = struct{}{}
	}
	if !address.IsZero() {
		next[address] = struct{}{}
	}
	return next
}

// Sorted returns the members in lexical order for stable output.
func (s VoterSet) Sorted() []wallet.Address {
	members := make([]wallet.Address, 0, len(s))
	for address := range s {
		members = append(members, address)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

// Proposal is a governance item with its tally and voter set.
type Proposal struct {
	ID          ProposalID
	Title       string
	Description string
	Creator     wallet.Address
	CreatedAt   time.Time
	Deadline    time.Time
	Votes       Tally
	VotedUsers  VoterSet
}

// Status derives active/closed from the deadline.
func (p Proposal) Status(now time.Time) ProposalStatus {
	return StatusAt(p.Deadline, now)
}

// TotalVotes sums every option tally.
func (p Proposal) TotalVotes() float64 {
	return p.Votes.Total()
}

// HasVoted reports whether address is in the voter set.
func (p Proposal) HasVoted(address wallet.Address) bool {
	return p.VotedUsers.Contains(address)
}

// DeriveDeadline returns deadline, or createdAt + DefaultDeadlineOffset when deadline is unset.
func DeriveDeadline(createdAt, deadline time.Time) time.Time {
	if !deadline.IsZero() {
		return deadline
	}
	return createdAt.Add(DefaultDeadlineOffset)
}

// ProposalRecord is the persisted proposal row.
type ProposalRecord struct {
	ProposalID       string  `gorm:"column:proposal_id;primaryKey;size:190;not null"`
	Title            string  `gorm:"column:title;size:190;not null"`
	Description      string  `gorm:"column:description;type:text;not null"`
	Creator          string  `gorm:"column:creator;size:64;not null;default:''"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null;index:idx_proposals_created"`
	DeadlineSeconds  *int64  `gorm:"column:deadline_s"`
	VotesFor         float64 `gorm:"column:votes_for;not null;default:0"`
	VotesAgainst     float64 `gorm:"column:votes_against;not null;default:0"`
	VotesAbstain     float64 `gorm:"column:votes_abstain;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ProposalRecord) TableName() string {
	return "proposals"
}

// BallotRecord stores one vote. The unique index enforces one ballot per address per proposal.
type BallotRecord struct {
	BallotID      string  `gorm:"column:ballot_id;primaryKey;size:190;not null"`
	ProposalID    string  `gorm:"column:proposal_id;size:190;not null;uniqueIndex:idx_ballots_proposal_voter,priority:1"`
	Voter         string  `gorm:"column:voter;size:64;not null;uniqueIndex:idx_ballots_proposal_voter,priority:2"`
	Option        string  `gorm:"column:vote_option;size:16;not null"`
	Weight        float64 `gorm:"column:weight;not null"`
	CastAtSeconds int64   `gorm:"column:cast_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BallotRecord) TableName() string {
	return "proposal_ballots"
}

func proposalFromRecord(record ProposalRecord, voters []string) (Proposal, error) {
	id, err := NewProposalID(record.ProposalID)
	if err != nil {
		return Proposal{}, err
	}
	createdAt := time.Time{}
	if record.CreatedAtSeconds > 0 {
		createdAt = time.Unix(record.CreatedAtSeconds, 0).UTC()
	}
	deadline := time.Time{}
	if record.DeadlineSeconds != nil && *record.DeadlineSeconds > 0 {
		deadline = time.Unix(*record.DeadlineSeconds, 0).UTC()
	}

	var votes Tally
	votes[VoteFor] = nonNegative(record.VotesFor)
	votes[VoteAgainst] = nonNegative(record.VotesAgainst)
	votes[VoteAbstain] = nonNegative(record.VotesAbstain)

	addresses := make([]wallet.Address, 0, len(voters))
	for _, voter := range voters {
		addresses = append(addresses, normalizeAddress(voter))
	}

	return Proposal{
		ID:          id,
		Title:       record.Title,
		Description: record.Description,
		Creator:     normalizeAddress(record.Creator),
		CreatedAt:   createdAt,
		Deadline:    DeriveDeadline(createdAt, deadline),
		Votes:       votes,
		VotedUsers:  NewVoterSet(addresses...),
	}, nil
}

// normalizeAddress checksums valid addresses and keeps legacy values verbatim.
func normalizeAddress(rawInput string) wallet.Address {
	if address, err := wallet.ParseAddress(rawInput); err == nil {
		return address
	}
	return wallet.Address(strings.TrimSpace(rawInput))
}

func nonNegative(value float64) float64 {
	if value < 0 {
		return 0
	}
	return value
}
