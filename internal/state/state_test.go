package state

import (
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dao-ledger/internal/proposals"
	"github.com/MarcoPoloResearchLab/dao-ledger/internal/wallet"
)

const viewerAddress = wallet.Address("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")

func snapshot(ids ...string) []proposals.Proposal {
	createdAt := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	items := make([]proposals.Proposal, 0, len(ids))
	for _, id := range ids {
		items = append(items, proposals.Proposal{
			ID:         proposals.ProposalID(id),
			Title:      "Proposal " + id,
			CreatedAt:  createdAt,
			Deadline:   proposals.DeriveDeadline(createdAt, time.Time{}),
			VotedUsers: proposals.NewVoterSet(),
		})
	}
	return items
}

func TestNewStateIsDisconnected(t *testing.T) {
	appState := New()
	viewer, balance := appState.Viewer()
	if !viewer.IsZero() || balance.Known {
		t.Fatalf("expected no viewer and unknown balance, got %q / %+v", viewer, balance)
	}
	if items := appState.Proposals(); len(items) != 0 {
		t.Fatalf("expected empty snapshot, got %d items", len(items))
	}
}

func TestReplaceProposalsLastSnapshotWins(t *testing.T) {
	appState := New()
	received := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	appState.ReplaceProposals(snapshot("a", "b"), 5, received)
	appState.ReplaceProposals(snapshot("c"), 3, received.Add(time.Second))

	items := appState.Proposals()
	if len(items) != 1 || items[0].ID != proposals.ProposalID("c") {
		t.Fatalf("expected only the last snapshot, got %+v", items)
	}
	revision, at := appState.Revision()
	if revision != 3 || !at.Equal(received.Add(time.Second)) {
		t.Fatalf("unexpected revision %d at %s", revision, at)
	}
}

func TestReplaceProposalsCopiesInput(t *testing.T) {
	appState := New()
	items := snapshot("a")
	appState.ReplaceProposals(items, 1, time.Now())

	items[0].Title = "mutated"
	if title := appState.Proposals()[0].Title; title != "Proposal a" {
		t.Fatalf("state shares the caller's slice, title %q", title)
	}
}

func TestConnectAndSetBalance(t *testing.T) {
	appState := New()
	appState.Connect(viewerAddress, wallet.KnownBalance(12))

	viewer, balance := appState.Viewer()
	if viewer != viewerAddress || balance != wallet.KnownBalance(12) {
		t.Fatalf("unexpected viewer %q / %+v", viewer, balance)
	}

	appState.SetBalance(wallet.UnknownBalance())
	viewer, balance = appState.Viewer()
	if viewer != viewerAddress || balance.Known {
		t.Fatalf("expected viewer kept with unknown balance, got %q / %+v", viewer, balance)
	}
}

func TestViewsUseConnectedViewer(t *testing.T) {
	appState := New()
	items := snapshot("a", "b")
	items[0] = proposals.ApplyVote(items[0], viewerAddress, proposals.VoteFor, 1)
	appState.ReplaceProposals(items, 1, time.Now())
	appState.Connect(viewerAddress, wallet.KnownBalance(1))

	views := appState.Views(proposals.DefaultPolicy(), time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	if len(views) != 2 {
		t.Fatalf("expected two views, got %d", len(views))
	}
	if !views[0].HasVoted || views[0].CanVote || views[0].VoteBlockedBy != "already_voted" {
		t.Fatalf("unexpected view for voted proposal: %+v", views[0])
	}
	if !views[1].CanVote {
		t.Fatalf("expected the known balance to allow voting: %+v", views[1])
	}
}

func TestConcurrentReplaceAndRead(t *testing.T) {
	appState := New()
	var wg sync.WaitGroup
	for index := 0; index < 8; index++ {
		wg.Add(2)
		go func(revision int64) {
			defer wg.Done()
			appState.ReplaceProposals(snapshot("a", "b"), revision, time.Now())
		}(int64(index))
		go func() {
			defer wg.Done()
			appState.SetBalance(wallet.KnownBalance(1))
			_ = appState.Views(proposals.DefaultPolicy(), time.Now())
		}()
	}
	wg.Wait()
	if items := appState.Proposals(); len(items) != 2 {
		t.Fatalf("expected two proposals, got %d", len(items))
	}
}
