// Package scheduler drives synchronization: it drains the outbox with
// persisted backoff, pulls per-conversation deltas after the sync cursor,
// and installs session key proposals fetched from the relay. Retry
// bookkeeping lives on the outbox row, so backoff state survives restarts.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/ledger"
	"github.com/dmitrijs2005/chatsync/internal/logging"
	"github.com/dmitrijs2005/chatsync/internal/relay"
	"github.com/dmitrijs2005/chatsync/internal/session"
	"github.com/sethvargo/go-retry"
)

const (
	// DefaultBackoffBase seeds the fibonacci backoff sequence.
	DefaultBackoffBase = 2 * time.Second

	// DefaultBackoffCap bounds the delay between attempts.
	DefaultBackoffCap = 5 * time.Minute

	// DefaultClaimTimeout is how long an outbox claim may stay in flight
	// before the watchdog releases it.
	DefaultClaimTimeout = 2 * time.Minute
)

// Sender pushes an envelope to the relay. The transport picker satisfies
// this.
type Sender interface {
	Send(ctx context.Context, env relay.Envelope) (*relay.DeliveryReceipt, error)
}

// Puller fetches deltas and session proposals over the REST fallback.
type Puller interface {
	Pull(ctx context.Context, conversationID string, after int64) ([]relay.Incoming, error)
	SessionProposals(ctx context.Context, conversationID string) ([]*session.Proposal, error)
}

// Merger applies relay state to the ledger. The reconciler satisfies this.
type Merger interface {
	ApplyReceipt(ctx context.Context, receipt *relay.DeliveryReceipt) error
	ApplyRemote(ctx context.Context, inc relay.Incoming) error
}

// Sessions is the slice of the session manager the scheduler needs.
type Sessions interface {
	AcceptProposal(ctx context.Context, p *session.Proposal) error
	PurgeRetired(ctx context.Context) error
}

// Scheduler coordinates outbox pushes and delta pulls.
type Scheduler struct {
	repo     ledger.Repository
	sender   Sender
	puller   Puller
	merge    Merger
	sessions Sessions
	log      logging.Logger

	backoffBase  time.Duration
	backoffCap   time.Duration
	claimTimeout time.Duration
	now          func() time.Time

	online atomic.Bool
	kick   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBackoff overrides the backoff base and cap.
func WithBackoff(base, limit time.Duration) Option {
	return func(s *Scheduler) {
		s.backoffBase = base
		s.backoffCap = limit
	}
}

// WithClaimTimeout overrides the watchdog timeout for stuck claims.
func WithClaimTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.claimTimeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler returns a Scheduler. It starts out assuming connectivity;
// the connectivity watcher corrects that on its first probe.
func NewScheduler(repo ledger.Repository, sender Sender, puller Puller, merge Merger, sessions Sessions, log logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:         repo,
		sender:       sender,
		puller:       puller,
		merge:        merge,
		sessions:     sessions,
		log:          log,
		backoffBase:  DefaultBackoffBase,
		backoffCap:   DefaultBackoffCap,
		claimTimeout: DefaultClaimTimeout,
		now:          time.Now,
		kick:         make(chan struct{}, 1),
	}
	s.online.Store(true)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Poke requests a sync round without waiting for the next tick.
func (s *Scheduler) Poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// NotifyConnectivityChanged records the connectivity state. Regaining
// connectivity triggers an immediate drain.
func (s *Scheduler) NotifyConnectivityChanged(online bool) {
	was := s.online.Swap(online)
	if online && !was {
		s.log.Info(context.Background(), "connectivity regained, draining outbox")
		s.Poke()
	}
}

// Resend returns a Failed message to Pending with zeroed attempt
// bookkeeping and requests an immediate sync round.
func (s *Scheduler) Resend(ctx context.Context, id string) error {
	if err := s.repo.ResetAttempts(ctx, id); err != nil {
		return err
	}
	s.Poke()
	return nil
}

// Run executes sync rounds on the given interval and whenever poked,
// until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if err := s.RunScheduledSync(ctx); err != nil {
			s.log.Warn(ctx, "sync round failed", "error", err)
		}
	}
}

// RunScheduledSync performs one full round: watchdog sweep, outbox push,
// then per-conversation proposal install and delta pull. While offline
// only the watchdog runs.
func (s *Scheduler) RunScheduledSync(ctx context.Context) error {
	released, err := s.repo.ReleaseStaleClaims(ctx, s.claimTimeout.Milliseconds())
	if err != nil {
		return err
	}
	for _, id := range released {
		s.log.Warn(ctx, "released stale outbox claim", "message", id)
	}

	if !s.online.Load() {
		return nil
	}

	convs, err := s.repo.ListConversations(ctx)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		if err := s.pushOutbox(ctx, conv.ID); err != nil {
			return err
		}
		if err := s.pullDeltas(ctx, conv.ID); err != nil {
			return err
		}
	}

	if err := s.sessions.PurgeRetired(ctx); err != nil {
		s.log.Warn(ctx, "failed to purge retired session keys", "error", err)
	}
	return nil
}

func (s *Scheduler) pushOutbox(ctx context.Context, conversationID string) error {
	entries, err := s.repo.PendingOutbox(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.State != ledger.StatePending {
			// Failed entries wait for an explicit Resend
			continue
		}
		if !s.due(e) {
			continue
		}
		claimed, err := s.repo.ClaimOutbox(ctx, e.ID)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		s.sendEntry(ctx, e)
	}
	return nil
}

// sendEntry transmits one claimed entry. The claim is always released:
// success and fatal rejection settle the entry, a retriable failure
// leaves it Pending with the attempt recorded so backoff applies.
func (s *Scheduler) sendEntry(ctx context.Context, e *ledger.OutboxEntry) {
	defer func() {
		if err := s.repo.ReleaseOutbox(ctx, e.ID); err != nil {
			s.log.Error(ctx, "failed to release outbox claim", "message", e.ID, "error", err)
		}
	}()

	if err := s.repo.RecordAttempt(ctx, e.ID); err != nil {
		s.log.Error(ctx, "failed to record attempt", "message", e.ID, "error", err)
		return
	}

	env := relay.NewMessageEnvelope(e.ConversationID, e.SenderID, e.ID, e.KeyID, e.Ciphertext, e.Nonce, e.CreatedAt)
	receipt, err := s.sender.Send(ctx, env)
	if err != nil {
		if relay.Classify(err) == relay.Fatal {
			s.log.Warn(ctx, "relay rejected message", "message", e.ID, "error", err)
			if merr := s.repo.MarkState(ctx, e.ID, ledger.StateFailed, nil); merr != nil {
				s.log.Error(ctx, "failed to mark message failed", "message", e.ID, "error", merr)
			}
			return
		}
		s.log.Debug(ctx, "send attempt failed, backing off",
			"message", e.ID, "attempt", e.AttemptCount+1, "error", err)
		return
	}

	if err := s.repo.MarkState(ctx, e.ID, ledger.StateSent, nil); err != nil {
		s.log.Error(ctx, "failed to mark message sent", "message", e.ID, "error", err)
	}
	if err := s.merge.ApplyReceipt(ctx, receipt); err != nil {
		s.log.Error(ctx, "failed to apply delivery receipt", "message", e.ID, "error", err)
	}
}

func (s *Scheduler) pullDeltas(ctx context.Context, conversationID string) error {
	proposals, err := s.puller.SessionProposals(ctx, conversationID)
	if err != nil {
		s.log.Warn(ctx, "failed to fetch session proposals", "conversation", conversationID, "error", err)
	}
	for _, p := range proposals {
		if err := s.sessions.AcceptProposal(ctx, p); err != nil {
			if errors.Is(err, common.ErrHandshakeRejected) {
				// proposal carries no share for this user
				continue
			}
			s.log.Warn(ctx, "failed to install session proposal", "keyId", p.KeyID, "error", err)
		}
	}

	cursor, err := s.repo.Cursor(ctx, conversationID)
	if err != nil {
		return err
	}
	incs, err := s.puller.Pull(ctx, conversationID, cursor)
	if err != nil {
		if relay.Classify(err) == relay.Retriable {
			s.log.Debug(ctx, "delta pull failed, will retry", "conversation", conversationID, "error", err)
			return nil
		}
		return err
	}
	for _, inc := range incs {
		if err := s.merge.ApplyRemote(ctx, inc); err != nil {
			return err
		}
	}
	return nil
}

// due reports whether the entry's backoff delay has elapsed.
func (s *Scheduler) due(e *ledger.OutboxEntry) bool {
	if e.LastAttemptAt == nil || e.AttemptCount == 0 {
		return true
	}
	return !s.now().Before(e.LastAttemptAt.Add(s.delayFor(e.AttemptCount)))
}

// delayFor replays the fibonacci sequence to the given attempt count so
// the delay is derivable from persisted state alone.
func (s *Scheduler) delayFor(attempts int) time.Duration {
	b := retry.WithCappedDuration(s.backoffCap, retry.NewFibonacci(s.backoffBase))
	var d time.Duration
	for i := 0; i < attempts; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}
