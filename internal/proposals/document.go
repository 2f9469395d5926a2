package proposals

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/dao-ledger/internal/wallet"
)

// Document is the persisted record shape exchanged in snapshots.
// Optional fields may be absent on decode and are defaulted by Proposal.
type Document struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Creator     string   `json:"creator,omitempty"`
	CreatedAt   string   `json:"createdAt"`
	Deadline    string   `json:"deadline,omitempty"`
	Votes       Tally    `json:"votes"`
	VotedUsers  []string `json:"votedUsers"`
}

// NewDocument renders a proposal into its wire shape.
func NewDocument(p Proposal) Document {
	voters := p.VotedUsers.Sorted()
	votedUsers := make([]string, 0, len(voters))
	for _, voter := range voters {
		votedUsers = append(votedUsers, voter.String())
	}
	return Document{
		ID:          p.ID.String(),
		Title:       p.Title,
		Description: p.Description,
		Creator:     p.Creator.String(),
		CreatedAt:   formatTimestamp(p.CreatedAt),
		Deadline:    formatTimestamp(p.Deadline),
		Votes:       p.Votes,
		VotedUsers:  votedUsers,
	}
}

// NewDocuments renders a snapshot.
func NewDocuments(items []Proposal) []Document {
	documents := make([]Document, 0, len(items))
	for _, item := range items {
		documents = append(documents, NewDocument(item))
	}
	return documents
}

// Proposal decodes the document, treating absent fields as their defaults:
// summary stands in for a missing description, an unparsable createdAt is zero,
// and a missing deadline derives from createdAt.
func (d Document) Proposal() (Proposal, error) {
	id, err := NewProposalID(d.ID)
	if err != nil {
		return Proposal{}, err
	}
	description := d.Description
	if strings.TrimSpace(description) == "" {
		description = d.Summary
	}
	createdAt := parseTimestamp(d.CreatedAt)

	addresses := make([]wallet.Address, 0, len(d.VotedUsers))
	for _, voter := range d.VotedUsers {
		addresses = append(addresses, normalizeAddress(voter))
	}

	var votes Tally
	for option, value := range d.Votes {
		votes[option] = nonNegative(value)
	}

	return Proposal{
		ID:          id,
		Title:       d.Title,
		Description: description,
		Creator:     normalizeAddress(d.Creator),
		CreatedAt:   createdAt,
		Deadline:    DeriveDeadline(createdAt, parseTimestamp(d.Deadline)),
		Votes:       votes,
		VotedUsers:  NewVoterSet(addresses...),
	}, nil
}

// ProposalsFromDocuments decodes a snapshot, skipping documents without a usable id.
func ProposalsFromDocuments(documents []Document) []Proposal {
	items := make([]Proposal, 0, len(documents))
	for _, document := range documents {
		proposal, err := document.Proposal()
		if err != nil {
			continue
		}
		items = append(items, proposal)
	}
	return items
}

func formatTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(value string) time.Time {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}
