// Package state holds the client-side application state: the latest proposal
// snapshot and the connected wallet. Snapshots replace the list wholesale.
package state

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/dao-ledger/internal/proposals"
	"github.com/MarcoPoloResearchLab/dao-ledger/internal/wallet"
)

// AppState is safe for concurrent use by the snapshot watcher and the renderer.
type AppState struct {
	mu         sync.RWMutex
	proposals  []proposals.Proposal
	revision   int64
	receivedAt time.Time
	viewer     wallet.Address
	balance    wallet.Balance
}

// New returns an empty state with no wallet connected.
func New() *AppState {
	return &AppState{balance: wallet.UnknownBalance()}
}

// ReplaceProposals installs a snapshot. The last snapshot received wins, whatever its revision.
func (s *AppState) ReplaceProposals(items []proposals.Proposal, revision int64, receivedAt time.Time) {
	snapshot := make([]proposals.Proposal, len(items))
	copy(snapshot, items)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals = snapshot
	s.revision = revision
	s.receivedAt = receivedAt
}

// Proposals returns a copy of the current snapshot.
func (s *AppState) Proposals() []proposals.Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]proposals.Proposal, len(s.proposals))
	copy(items, s.proposals)
	return items
}

// Revision reports the revision of the installed snapshot and when it arrived.
func (s *AppState) Revision() (int64, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision, s.receivedAt
}

// Connect records the viewer's wallet address and balance.
func (s *AppState) Connect(address wallet.Address, balance wallet.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewer = address
	s.balance = balance
}

// SetBalance updates the balance of the connected wallet.
func (s *AppState) SetBalance(balance wallet.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = balance
}

// Viewer returns the connected address (empty when disconnected) and its balance.
func (s *AppState) Viewer() (wallet.Address, wallet.Balance) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewer, s.balance
}

// Views projects the snapshot for the connected viewer.
func (s *AppState) Views(policy proposals.Policy, now time.Time) []proposals.View {
	s.mu.RLock()
	items := s.proposals
	viewer := s.viewer
	balance := s.balance
	s.mu.RUnlock()
	return proposals.BuildViews(policy, items, viewer, balance, now)
}
