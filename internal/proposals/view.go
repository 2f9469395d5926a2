package proposals

import (
	"time"

	"github.com/MarcoPoloResearchLab/dao-ledger/internal/wallet"
)

const unknownCreator = "Unknown"

// OptionResult is one row of a rendered tally.
type OptionResult struct {
	Option  VoteOption `json:"option"`
	Votes   float64    `json:"votes"`
	Percent float64    `json:"percent"`
	Label   string     `json:"label"`
}

// View is the display-ready projection of a proposal for one viewer at one instant.
type View struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Creator        string         `json:"creator"`
	CreatorDisplay string         `json:"creatorDisplay"`
	CreatedAt      time.Time      `json:"createdAt"`
	Deadline       time.Time      `json:"deadline"`
	DeadlineText   string         `json:"deadlineText"`
	Status         ProposalStatus `json:"status"`
	RemainingTime  string         `json:"remainingTime"`
	Results        []OptionResult `json:"results"`
	TotalVotes     float64        `json:"totalVotes"`
	HasVoted       bool           `json:"hasVoted"`
	CanVote        bool           `json:"canVote"`
	// VoteBlockedBy carries the reason the viewer cannot vote, empty when CanVote is true.
	VoteBlockedBy string `json:"voteBlockedBy,omitempty"`
}

// BuildView projects p for viewer. Options disabled by the policy are omitted from Results.
func BuildView(policy Policy, p Proposal, viewer wallet.Address, balance wallet.Balance, now time.Time) View {
	policy = policy.normalized()
	percentages := Percentages(p.Votes, policy.Rounding)

	results := make([]OptionResult, 0, voteOptionCount)
	for _, option := range policy.Options() {
		results = append(results, OptionResult{
			Option:  option,
			Votes:   p.Votes.Get(option),
			Percent: percentages[option],
			Label:   FormatPercent(percentages[option], policy.Rounding),
		})
	}

	creatorDisplay := unknownCreator
	if !p.Creator.IsZero() {
		creatorDisplay = p.Creator.Short()
	}

	view := View{
		ID:             p.ID.String(),
		Title:          p.Title,
		Description:    p.Description,
		Creator:        p.Creator.String(),
		CreatorDisplay: creatorDisplay,
		CreatedAt:      p.CreatedAt,
		Deadline:       p.Deadline,
		DeadlineText:   FormatDeadline(p.Deadline.UTC()),
		Status:         p.Status(now),
		RemainingTime:  RemainingTime(p.Deadline, now),
		Results:        results,
		TotalVotes:     p.TotalVotes(),
		HasVoted:       p.HasVoted(viewer),
	}
	if err := policy.CanVote(p, viewer, balance, now); err != nil {
		view.VoteBlockedBy = RejectionReason(err)
	} else {
		view.CanVote = true
	}
	return view
}

// BuildViews projects a snapshot for viewer, preserving order.
func BuildViews(policy Policy, items []Proposal, viewer wallet.Address, balance wallet.Balance, now time.Time) []View {
	views := make([]View, 0, len(items))
	for _, item := range items {
		views = append(views, BuildView(policy, item, viewer, balance, now))
	}
	return views
}
