package proposals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/dao-ledger/internal/wallet"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "proposals.service.new"
	opCreateProposal  = "proposals.create_proposal"
	opCastVote        = "proposals.cast_vote"
	opListProposals   = "proposals.list_proposals"
	opGetProposal     = "proposals.get_proposal"
	reasonInvalidText = "invalid_text"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// RejectionReason returns the stable reason for a user-facing rejection, or "" for internal failures.
func RejectionReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrAlreadyVoted):
		return "already_voted"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrTitleTooLong):
		return "title_too_long"
	case errors.Is(err, ErrDescriptionTooLong):
		return "description_too_long"
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrInvalidOption):
		return "invalid_option"
	case errors.Is(err, ErrProposalNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidProposalID):
		return "invalid_proposal_id"
	case errors.Is(err, wallet.ErrBalanceFetchFailed):
		return "balance_fetch_failed"
	case errors.Is(err, wallet.ErrWalletRejected):
		return "wallet_rejected"
	case errors.Is(err, wallet.ErrWalletUnavailable):
		return "wallet_unavailable"
	case errors.Is(err, wallet.ErrInvalidAddress):
		return "invalid_address"
	default:
		return ""
	}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Policy     Policy
}

type IDProvider interface {
	NewID() (string, error)
}

// Service is the proposal ledger backed by a SQL store.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	policy     Policy
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		policy:     cfg.Policy.normalized(),
	}, nil
}

// Policy returns the voting policy in effect.
func (s *Service) Policy() Policy {
	return s.policy
}

// Now returns the service clock reading.
func (s *Service) Now() time.Time {
	return s.clock().UTC()
}

// CreateRequest carries a proposal submission together with the creator's wallet state.
type CreateRequest struct {
	Title       string
	Description string
	Creator     wallet.Address
	Balance     wallet.Balance
}

// VoteRequest carries a ballot together with the voter's wallet state.
type VoteRequest struct {
	ProposalID ProposalID
	Option     VoteOption
	Voter      wallet.Address
	Balance    wallet.Balance
}

// CreateProposal validates and persists a new proposal with zeroed tallies.
func (s *Service) CreateProposal(ctx context.Context, request CreateRequest) (Proposal, error) {
	if request.Creator.IsZero() {
		return Proposal{}, s.reject(opCreateProposal, "not_connected", ErrNotConnected)
	}
	if err := s.policy.CanCreateWith(request.Balance); err != nil {
		return Proposal{}, s.reject(opCreateProposal, RejectionReason(err), err,
			zap.String("creator", request.Creator.String()),
			zap.String("balance", request.Balance.String()))
	}
	title, description, err := ValidateProposalText(request.Title, request.Description)
	if err != nil {
		return Proposal{}, s.reject(opCreateProposal, reasonInvalidText, err)
	}

	proposalID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateProposal, "id_generation_failed", err)
		return Proposal{}, newServiceError(opCreateProposal, "id_generation_failed", err)
	}

	createdAt := s.clock().UTC().Truncate(time.Second)
	deadline := createdAt.Add(s.policy.VotingPeriod)
	deadlineSeconds := deadline.Unix()
	record := ProposalRecord{
		ProposalID:       proposalID,
		Title:            title,
		Description:      description,
		Creator:          request.Creator.String(),
		CreatedAtSeconds: createdAt.Unix(),
		DeadlineSeconds:  &deadlineSeconds,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreateProposal, "insert_failed", err, zap.String("proposal_id", proposalID))
		return Proposal{}, newServiceError(opCreateProposal, "insert_failed", err)
	}

	proposal, err := proposalFromRecord(record, nil)
	if err != nil {
		s.logError(opCreateProposal, "decode_failed", err, zap.String("proposal_id", proposalID))
		return Proposal{}, newServiceError(opCreateProposal, "decode_failed", err)
	}
	s.logger.Info("proposal created",
		zap.String("proposal_id", proposalID),
		zap.String("creator", request.Creator.String()),
		zap.Time("deadline", deadline))
	return proposal, nil
}

// CastVote records one ballot and updates the tally in a single transaction.
func (s *Service) CastVote(ctx context.Context, request VoteRequest) (Proposal, error) {
	if err := s.policy.ValidateOption(request.Option); err != nil {
		return Proposal{}, s.reject(opCastVote, "invalid_option", err)
	}
	if request.Voter.IsZero() {
		return Proposal{}, s.reject(opCastVote, "not_connected", ErrNotConnected)
	}
	if request.ProposalID == "" {
		return Proposal{}, s.reject(opCastVote, "invalid_proposal_id", ErrInvalidProposalID)
	}

	var updated Proposal
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record ProposalRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("proposal_id = ?", request.ProposalID.String()).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.reject(opCastVote, "not_found", ErrProposalNotFound,
				zap.String("proposal_id", request.ProposalID.String()))
		}
		if err != nil {
			s.logError(opCastVote, "proposal_select_failed", err,
				zap.String("proposal_id", request.ProposalID.String()))
			return newServiceError(opCastVote, "proposal_select_failed", err)
		}

		voters, err := s.loadVoters(tx, record.ProposalID)
		if err != nil {
			s.logError(opCastVote, "ballot_select_failed", err,
				zap.String("proposal_id", record.ProposalID))
			return newServiceError(opCastVote, "ballot_select_failed", err)
		}
		proposal, err := proposalFromRecord(record, voters)
		if err != nil {
			s.logError(opCastVote, "decode_failed", err, zap.String("proposal_id", record.ProposalID))
			return newServiceError(opCastVote, "decode_failed", err)
		}

		castAt := s.clock().UTC()
		if err := s.policy.CanVote(proposal, request.Voter, request.Balance, castAt); err != nil {
			return s.reject(opCastVote, RejectionReason(err), err,
				zap.String("proposal_id", record.ProposalID),
				zap.String("voter", request.Voter.String()))
		}

		weight := s.policy.VoteWeight(request.Balance)
		next := ApplyVote(proposal, request.Voter, request.Option, weight)

		ballotID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCastVote, "id_generation_failed", err)
			return newServiceError(opCastVote, "id_generation_failed", err)
		}
		ballot := BallotRecord{
			BallotID:      ballotID,
			ProposalID:    record.ProposalID,
			Voter:         request.Voter.String(),
			Option:        request.Option.String(),
			Weight:        weight,
			CastAtSeconds: castAt.Unix(),
		}
		if err := tx.Create(&ballot).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return s.reject(opCastVote, "already_voted", ErrAlreadyVoted,
					zap.String("proposal_id", record.ProposalID),
					zap.String("voter", request.Voter.String()))
			}
			s.logError(opCastVote, "ballot_insert_failed", err,
				zap.String("proposal_id", record.ProposalID))
			return newServiceError(opCastVote, "ballot_insert_failed", err)
		}

		if err := tx.Model(&ProposalRecord{}).
			Where("proposal_id = ?", record.ProposalID).
			Updates(map[string]any{
				"votes_for":     next.Votes[VoteFor],
				"votes_against": next.Votes[VoteAgainst],
				"votes_abstain": next.Votes[VoteAbstain],
			}).Error; err != nil {
			s.logError(opCastVote, "tally_update_failed", err,
				zap.String("proposal_id", record.ProposalID))
			return newServiceError(opCastVote, "tally_update_failed", err)
		}

		updated = next
		return nil
	})
	if txErr != nil {
		return Proposal{}, txErr
	}

	s.logger.Info("vote recorded",
		zap.String("proposal_id", updated.ID.String()),
		zap.String("voter", request.Voter.String()),
		zap.String("option", request.Option.String()))
	return updated, nil
}

// ListProposals returns the full snapshot, newest first.
func (s *Service) ListProposals(ctx context.Context) ([]Proposal, error) {
	var records []ProposalRecord
	if err := s.db.WithContext(ctx).
		Order("created_at_s DESC").
		Order("proposal_id ASC").
		Find(&records).Error; err != nil {
		s.logError(opListProposals, "query_failed", err)
		return nil, newServiceError(opListProposals, "query_failed", err)
	}

	var ballots []BallotRecord
	if err := s.db.WithContext(ctx).
		Select("proposal_id", "voter").
		Find(&ballots).Error; err != nil {
		s.logError(opListProposals, "ballot_query_failed", err)
		return nil, newServiceError(opListProposals, "ballot_query_failed", err)
	}
	votersByProposal := make(map[string][]string, len(records))
	for _, ballot := range ballots {
		votersByProposal[ballot.ProposalID] = append(votersByProposal[ballot.ProposalID], ballot.Voter)
	}

	items := make([]Proposal, 0, len(records))
	for _, record := range records {
		proposal, err := proposalFromRecord(record, votersByProposal[record.ProposalID])
		if err != nil {
			s.logger.Warn("skipping undecodable proposal",
				zap.String("proposal_id", record.ProposalID),
				zap.Error(err))
			continue
		}
		items = append(items, proposal)
	}
	return items, nil
}

// GetProposal loads one proposal with its voters.
func (s *Service) GetProposal(ctx context.Context, id ProposalID) (Proposal, error) {
	if id == "" {
		return Proposal{}, newServiceError(opGetProposal, "invalid_proposal_id", ErrInvalidProposalID)
	}
	db := s.db.WithContext(ctx)
	var record ProposalRecord
	err := db.Where("proposal_id = ?", id.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Proposal{}, newServiceError(opGetProposal, "not_found", ErrProposalNotFound)
	}
	if err != nil {
		s.logError(opGetProposal, "query_failed", err, zap.String("proposal_id", id.String()))
		return Proposal{}, newServiceError(opGetProposal, "query_failed", err)
	}
	voters, err := s.loadVoters(db, record.ProposalID)
	if err != nil {
		s.logError(opGetProposal, "ballot_query_failed", err, zap.String("proposal_id", id.String()))
		return Proposal{}, newServiceError(opGetProposal, "ballot_query_failed", err)
	}
	proposal, err := proposalFromRecord(record, voters)
	if err != nil {
		s.logError(opGetProposal, "decode_failed", err, zap.String("proposal_id", id.String()))
		return Proposal{}, newServiceError(opGetProposal, "decode_failed", err)
	}
	return proposal, nil
}

func (s *Service) loadVoters(db *gorm.DB, proposalID string) ([]string, error) {
	var voters []string
	if err := db.Model(&BallotRecord{}).
		Where("proposal_id = ?", proposalID).
		Pluck("voter", &voters).Error; err != nil {
		return nil, err
	}
	return voters, nil
}

// reject logs a user-facing rejection at info level and wraps it as a ServiceError.
func (s *Service) reject(operation, reason string, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Info("proposal action rejected", attrs...)
	return newServiceError(operation, reason, err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("proposals service error", attrs...)
}
