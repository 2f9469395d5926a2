// Package client consumes the ledger's proposal stream and renders snapshots as text.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/dao-ledger/internal/proposals"
	"github.com/MarcoPoloResearchLab/dao-ledger/internal/state"
	"github.com/MarcoPoloResearchLab/dao-ledger/internal/wallet"
	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"go.uber.org/zap"
)

const (
	streamPath          = "/proposals/stream"
	proposalsPath       = "/proposals"
	snapshotEvent       = "snapshot"
	maxEventBytes       = 8 << 20
	defaultMaxAttempts  = 5
	defaultRetryBackoff = time.Second
)

var (
	errMissingServerURL = errors.New("server url is required")
	errMissingState     = errors.New("state is required")
	errUnexpectedStatus = errors.New("unexpected stream status")
)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	ServerURL    string
	HTTPClient   *http.Client
	State        *state.AppState
	Output       io.Writer
	Policy       proposals.Policy
	Clock        func() time.Time
	Logger       *zap.Logger
	RetryBackoff time.Duration
	MaxAttempts  uint
}

// Watcher subscribes to the snapshot stream, installs every snapshot into the
// application state and prints the rendered proposal list.
type Watcher struct {
	streamURL    string
	proposalsURL string
	httpClient   *http.Client
	state        *state.AppState
	output       io.Writer
	policy       proposals.Policy
	clock        func() time.Time
	logger       *zap.Logger
	retryBackoff time.Duration
	maxAttempts  uint
}

type snapshotEnvelope struct {
	EventType string               `json:"eventType"`
	Revision  int64                `json:"revision"`
	Proposals []proposals.Document `json:"proposals"`
	Timestamp time.Time            `json:"timestamp"`
}

type balanceEnvelope struct {
	Balance *struct {
		Amount float64 `json:"amount"`
		Known  bool    `json:"known"`
	} `json:"balance"`
}

type streamEvent struct {
	name string
	data string
}

// NewWatcher validates cfg and fills defaults.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	serverURL := strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if serverURL == "" {
		return nil, errMissingServerURL
	}
	if cfg.State == nil {
		return nil, errMissingState
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	output := cfg.Output
	if output == nil {
		output = io.Discard
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Watcher{
		streamURL:    serverURL + streamPath,
		proposalsURL: serverURL + proposalsPath,
		httpClient:   httpClient,
		state:        cfg.State,
		output:       output,
		policy:       cfg.Policy,
		clock:        clock,
		logger:       logger,
		retryBackoff: retryBackoff,
		maxAttempts:  maxAttempts,
	}, nil
}

// Run consumes the stream until ctx is cancelled. A dropped stream is reopened;
// Run returns an error only when every connection attempt in a round fails.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		var body io.ReadCloser
		connect := func(attempt uint) error {
			stream, err := w.open(ctx)
			if err != nil {
				w.logger.Debug("stream connect attempt failed",
					zap.Uint("attempt", attempt),
					zap.String("url", w.streamURL),
					zap.Error(err))
				return err
			}
			body = stream
			return nil
		}
		notCancelled := func(uint) bool { return ctx.Err() == nil }
		err := retry.Retry(connect, notCancelled, strategy.Limit(w.maxAttempts), strategy.Backoff(backoff.Fibonacci(w.retryBackoff)))
		if ctx.Err() != nil {
			if body != nil {
				_ = body.Close()
			}
			return nil
		}
		if err != nil {
			w.logger.Error("stream unavailable", zap.String("url", w.streamURL), zap.Error(err))
			return fmt.Errorf("connect %s: %w", w.streamURL, err)
		}

		w.logger.Info("stream connected", zap.String("url", w.streamURL))
		streamErr := w.consume(ctx, body)
		_ = body.Close()
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Warn("stream ended, reconnecting", zap.Error(streamErr))
	}
}

func (w *Watcher) open(ctx context.Context) (io.ReadCloser, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, w.streamURL, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "text/event-stream")
	response, err := w.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		_ = response.Body.Close()
		return nil, fmt.Errorf("%w: %d", errUnexpectedStatus, response.StatusCode)
	}
	return response.Body, nil
}

func (w *Watcher) consume(ctx context.Context, stream io.Reader) error {
	return readEvents(stream, func(event streamEvent) {
		if event.name != snapshotEvent {
			return
		}
		if err := w.HandleSnapshot(ctx, []byte(event.data)); err != nil {
			w.logger.Warn("snapshot discarded", zap.Error(err))
		}
	})
}

// HandleSnapshot decodes one snapshot payload, replaces the state's proposal
// list with it, refreshes the connected wallet's balance and renders the result.
func (w *Watcher) HandleSnapshot(ctx context.Context, payload []byte) error {
	var envelope snapshotEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	items := proposals.ProposalsFromDocuments(envelope.Proposals)
	if skipped := len(envelope.Proposals) - len(items); skipped > 0 {
		w.logger.Warn("snapshot contained invalid proposals", zap.Int("skipped", skipped))
	}
	now := w.clock()
	w.state.ReplaceProposals(items, envelope.Revision, now)
	w.logger.Debug("snapshot installed",
		zap.Int64("revision", envelope.Revision),
		zap.Int("proposals", len(items)))
	if err := w.RefreshBalance(ctx); err != nil {
		w.logger.Warn("balance refresh failed", zap.Error(err))
	}
	return Render(w.output, w.state, w.policy, now)
}

// RefreshBalance reads the connected wallet's balance from the server's proposal
// listing and stores it in the state. Any failure leaves the balance unknown.
func (w *Watcher) RefreshBalance(ctx context.Context) error {
	viewer, _ := w.state.Viewer()
	if viewer.IsZero() {
		return nil
	}
	balance, err := w.fetchBalance(ctx, viewer)
	if err != nil {
		w.state.SetBalance(wallet.UnknownBalance())
		return err
	}
	w.state.SetBalance(balance)
	return nil
}

func (w *Watcher) fetchBalance(ctx context.Context, viewer wallet.Address) (wallet.Balance, error) {
	query := url.Values{"address": []string{viewer.String()}}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, w.proposalsURL+"?"+query.Encode(), nil)
	if err != nil {
		return wallet.UnknownBalance(), err
	}
	request.Header.Set("Accept", "application/json")
	response, err := w.httpClient.Do(request)
	if err != nil {
		return wallet.UnknownBalance(), err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return wallet.UnknownBalance(), fmt.Errorf("%w: %d", errUnexpectedStatus, response.StatusCode)
	}

	var envelope balanceEnvelope
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		return wallet.UnknownBalance(), fmt.Errorf("decode balance: %w", err)
	}
	if envelope.Balance == nil || !envelope.Balance.Known {
		return wallet.UnknownBalance(), nil
	}
	return wallet.KnownBalance(envelope.Balance.Amount), nil
}

// Render writes the state's proposal list as seen by its connected wallet.
func Render(out io.Writer, appState *state.AppState, policy proposals.Policy, now time.Time) error {
	revision, _ := appState.Revision()
	viewer, balance := appState.Viewer()
	views := appState.Views(policy, now)

	var builder strings.Builder
	fmt.Fprintf(&builder, "revision %d, %d proposal(s)\n", revision, len(views))
	if !viewer.IsZero() {
		fmt.Fprintf(&builder, "wallet %s balance %s\n", viewer.Short(), balance.String())
	} else {
		fmt.Fprintf(&builder, "wallet not connected balance %s\n", balance.String())
	}
	for _, view := range views {
		fmt.Fprintf(&builder, "\n[%s] %s (%s)\n", view.Status, view.Title, view.RemainingTime)
		fmt.Fprintf(&builder, "  by %s, deadline %s\n", view.CreatorDisplay, view.DeadlineText)
		if view.Description != "" {
			fmt.Fprintf(&builder, "  %s\n", view.Description)
		}
		parts := make([]string, 0, len(view.Results))
		for _, result := range view.Results {
			parts = append(parts, fmt.Sprintf("%s %s", result.Option, result.Label))
		}
		fmt.Fprintf(&builder, "  %s\n", strings.Join(parts, " | "))
		switch {
		case view.HasVoted:
			builder.WriteString("  you voted\n")
		case view.CanVote:
			builder.WriteString("  open for your vote\n")
		case !viewer.IsZero():
			fmt.Fprintf(&builder, "  voting blocked: %s\n", view.VoteBlockedBy)
		}
	}
	_, err := io.WriteString(out, builder.String())
	return err
}

// readEvents parses a text/event-stream body and calls handle once per dispatched event.
func readEvents(stream io.Reader, handle func(streamEvent)) error {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	var current streamEvent
	var data []string
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if len(data) > 0 {
				current.data = strings.Join(data, "\n")
				handle(current)
			}
			current = streamEvent{}
			data = data[:0]
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			current.name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
