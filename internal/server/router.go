package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/dao-ledger/internal/proposals"
	"github.com/MarcoPoloResearchLab/dao-ledger/internal/wallet"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	walletAddressContextKey  = "dao_ledger_wallet_address"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingChallenger      = errors.New("challenger dependency required")
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingProposalService = errors.New("proposal service dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// WalletChallenger issues and verifies signed login challenges.
type WalletChallenger interface {
	Issue(ctx context.Context, address wallet.Address) (wallet.Challenge, error)
	Verify(ctx context.Context, address wallet.Address, signatureHex string) error
}

// SessionTokenManager issues and validates wallet session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, address wallet.Address) (string, int64, error)
	ValidateToken(token string) (wallet.Address, error)
}

// BalanceReader reads the token balance of a wallet.
type BalanceReader interface {
	BalanceOf(ctx context.Context, address wallet.Address) (wallet.Balance, error)
}

// Dependencies wires the HTTP handler. Balances is optional; without it every balance is unknown.
type Dependencies struct {
	Challenger        WalletChallenger
	TokenManager      SessionTokenManager
	ProposalService   *proposals.Service
	Balances          BalanceReader
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Challenger == nil {
		return nil, errMissingChallenger
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.ProposalService == nil {
		return nil, errMissingProposalService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		challenger: deps.Challenger,
		tokens:     deps.TokenManager,
		proposals:  deps.ProposalService,
		balances:   deps.Balances,
		realtime:   realtime,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	router.POST("/auth/challenge", handler.handleChallenge)
	router.POST("/auth/verify", handler.handleVerify)
	router.GET("/proposals", handler.handleListProposals)
	router.GET("/proposals/stream", handler.handleSnapshotStream)
	router.GET("/proposals/:id", handler.handleGetProposal)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/wallet/balance", handler.handleBalance)
	protected.POST("/proposals", handler.handleCreateProposal)
	protected.POST("/proposals/:id/votes", handler.handleCastVote)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	challenger WalletChallenger
	tokens     SessionTokenManager
	proposals  *proposals.Service
	balances   BalanceReader
	realtime   *RealtimeDispatcher
	heartbeat  time.Duration
	logger     *zap.Logger
}

type challengeRequestPayload struct {
	Address string `json:"address"`
}

type challengeResponsePayload struct {
	Address   string `json:"address"`
	Nonce     string `json:"nonce"`
	Message   string `json:"message"`
	ExpiresAt int64  `json:"expires_at"`
}

func (h *httpHandler) handleChallenge(c *gin.Context) {
	var request challengeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	address, err := wallet.ParseAddress(request.Address)
	if err != nil {
		h.writeError(c, err)
		return
	}

	challenge, err := h.challenger.Issue(c.Request.Context(), address)
	if err != nil {
		h.logger.Error("failed to issue wallet challenge", zap.String("address", address.String()), zap.Error(err))
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, challengeResponsePayload{
		Address:   challenge.Address.String(),
		Nonce:     challenge.Nonce,
		Message:   challenge.Message,
		ExpiresAt: challenge.ExpiresAt.Unix(),
	})
}

type verifyRequestPayload struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Address     string `json:"address"`
}

func (h *httpHandler) handleVerify(c *gin.Context) {
	var request verifyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Signature) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	address, err := wallet.ParseAddress(request.Address)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if err := h.challenger.Verify(c.Request.Context(), address, request.Signature); err != nil {
		if errors.Is(err, wallet.ErrWalletRejected) {
			h.logger.Info("wallet signature rejected", zap.String("address", address.String()), zap.Error(err))
		} else {
			h.logger.Error("wallet verification failed", zap.String("address", address.String()), zap.Error(err))
		}
		h.writeError(c, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), address)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		Address:     address.String(),
	})
}

type proposalListPayload struct {
	Proposals []proposals.View `json:"proposals"`
	Balance   *balancePayload  `json:"balance,omitempty"`
}

type balancePayload struct {
	Address string  `json:"address"`
	Amount  float64 `json:"amount"`
	Display string  `json:"display"`
	Known   bool    `json:"known"`
}

func newBalancePayload(address wallet.Address, balance wallet.Balance) *balancePayload {
	return &balancePayload{
		Address: address.String(),
		Amount:  balance.Amount,
		Display: balance.String(),
		Known:   balance.Known,
	}
}

func (h *httpHandler) handleListProposals(c *gin.Context) {
	viewer, ok := h.viewerFromQuery(c)
	if !ok {
		return
	}

	items, err := h.proposals.ListProposals(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	response := proposalListPayload{}
	balance := wallet.UnknownBalance()
	if !viewer.IsZero() {
		balance = h.balanceOf(c.Request.Context(), viewer)
		response.Balance = newBalancePayload(viewer, balance)
	}
	response.Proposals = proposals.BuildViews(h.proposals.Policy(), items, viewer, balance, h.proposals.Now())
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetProposal(c *gin.Context) {
	viewer, ok := h.viewerFromQuery(c)
	if !ok {
		return
	}
	proposalID, err := proposals.NewProposalID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	proposal, err := h.proposals.GetProposal(c.Request.Context(), proposalID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	balance := wallet.UnknownBalance()
	if !viewer.IsZero() {
		balance = h.balanceOf(c.Request.Context(), viewer)
	}
	c.JSON(http.StatusOK, proposals.BuildView(h.proposals.Policy(), proposal, viewer, balance, h.proposals.Now()))
}

func (h *httpHandler) handleBalance(c *gin.Context) {
	address := h.walletAddress(c)
	balance := h.balanceOf(c.Request.Context(), address)
	c.JSON(http.StatusOK, newBalancePayload(address, balance))
}

type createProposalPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (h *httpHandler) handleCreateProposal(c *gin.Context) {
	var request createProposalPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	creator := h.walletAddress(c)
	balance := h.creationBalance(c.Request.Context(), creator)

	proposal, err := h.proposals.CreateProposal(c.Request.Context(), proposals.CreateRequest{
		Title:       request.Title,
		Description: request.Description,
		Creator:     creator,
		Balance:     balance,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.publishSnapshot(c.Request.Context())
	c.JSON(http.StatusCreated, proposals.BuildView(h.proposals.Policy(), proposal, creator, balance, h.proposals.Now()))
}

type castVotePayload struct {
	Option string `json:"option"`
}

func (h *httpHandler) handleCastVote(c *gin.Context) {
	var request castVotePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	option, err := proposals.ParseVoteOption(request.Option)
	if err != nil {
		h.writeError(c, err)
		return
	}
	proposalID, err := proposals.NewProposalID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	voter := h.walletAddress(c)

	balance := wallet.UnknownBalance()
	if h.proposals.Policy().Weighted {
		balance = h.balanceOf(c.Request.Context(), voter)
	}

	proposal, err := h.proposals.CastVote(c.Request.Context(), proposals.VoteRequest{
		ProposalID: proposalID,
		Option:     option,
		Voter:      voter,
		Balance:    balance,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.publishSnapshot(c.Request.Context())
	c.JSON(http.StatusOK, proposals.BuildView(h.proposals.Policy(), proposal, voter, balance, h.proposals.Now()))
}

func (h *httpHandler) handleSnapshotStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	initial, err := h.currentSnapshot(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(RealtimeEventSnapshot, initial)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message := <-stream:
			c.SSEvent(RealtimeEventSnapshot, message)
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"timestamp": tick.UTC().Unix(),
				"revision":  h.realtime.Revision(),
				"source":    realtimeSourceBackend,
			})
			return true
		}
	})
}

func (h *httpHandler) currentSnapshot(ctx context.Context) (SnapshotMessage, error) {
	items, err := h.proposals.ListProposals(ctx)
	if err != nil {
		return SnapshotMessage{}, err
	}
	return SnapshotMessage{
		EventType: RealtimeEventSnapshot,
		Revision:  h.realtime.Revision(),
		Proposals: proposals.NewDocuments(items),
		Timestamp: h.proposals.Now(),
		Source:    realtimeSourceBackend,
	}, nil
}

// publishSnapshot pushes the full list after a mutation. The mutation already succeeded,
// so a failed read only logs.
func (h *httpHandler) publishSnapshot(ctx context.Context) {
	items, err := h.proposals.ListProposals(ctx)
	if err != nil {
		h.logger.Error("failed to load snapshot for publish", zap.Error(err))
		return
	}
	message := h.realtime.PublishSnapshot(proposals.NewDocuments(items), h.proposals.Now())
	h.logger.Debug("snapshot published",
		zap.Int64("revision", message.Revision),
		zap.Int("proposals", len(message.Proposals)),
		zap.Int("subscribers", h.realtime.SubscriberCount()))
}

func (h *httpHandler) viewerFromQuery(c *gin.Context) (wallet.Address, bool) {
	raw := strings.TrimSpace(c.Query("address"))
	if raw == "" {
		return "", true
	}
	address, err := wallet.ParseAddress(raw)
	if err != nil {
		h.writeError(c, err)
		return "", false
	}
	return address, true
}

func (h *httpHandler) balanceOf(ctx context.Context, address wallet.Address) wallet.Balance {
	if h.balances == nil || address.IsZero() {
		return wallet.UnknownBalance()
	}
	balance, err := h.balances.BalanceOf(ctx, address)
	if err != nil {
		h.logger.Warn("balance unavailable", zap.String("address", address.String()), zap.Error(err))
		return wallet.UnknownBalance()
	}
	return balance
}

func (h *httpHandler) creationBalance(ctx context.Context, address wallet.Address) wallet.Balance {
	if h.proposals.Policy().MinCreationBalance <= 0 {
		return wallet.UnknownBalance()
	}
	return h.balanceOf(ctx, address)
}

func (h *httpHandler) walletAddress(c *gin.Context) wallet.Address {
	value, ok := c.Get(walletAddressContextKey)
	if !ok {
		return ""
	}
	address, _ := value.(wallet.Address)
	return address
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	address, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(walletAddressContextKey, address)
	c.Next()
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	reason := proposals.RejectionReason(err)
	status := statusForReason(reason)
	body := gin.H{"error": reason}
	if reason == "" {
		body["error"] = "internal_error"
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	var serviceErr *proposals.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	c.JSON(status, body)
}

func statusForReason(reason string) int {
	switch reason {
	case "not_connected", "wallet_rejected":
		return http.StatusUnauthorized
	case "insufficient_balance":
		return http.StatusForbidden
	case "already_voted", "expired":
		return http.StatusConflict
	case "not_found":
		return http.StatusNotFound
	case "title_too_long", "description_too_long", "missing_field", "invalid_option", "invalid_proposal_id", "invalid_address":
		return http.StatusBadRequest
	case "balance_fetch_failed", "wallet_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
