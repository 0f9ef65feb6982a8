// Package twophase coordinates a transaction across several databases with
// the two-phase commit protocol.
package twophase

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
	"github.com/gaze-network/txcore/pkg/logger"
	"github.com/gaze-network/txcore/pkg/logger/slogx"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// Driver runs the local primitives of one participant. Participants added
// without a driver only receive directives.
type Driver interface {
	// Prepare prepares the local transaction under the global transaction id.
	Prepare(ctx context.Context, xid string) error
	CommitPrepared(ctx context.Context, xid string) error
	RollbackPrepared(ctx context.Context, xid string) error
	// Rollback aborts the local transaction before it was prepared.
	Rollback(ctx context.Context) error
}

// InDoubter lists the transactions a resource manager holds prepared.
type InDoubter interface {
	InDoubt(ctx context.Context) ([]string, error)
}

type participant struct {
	alias  string
	status ParticipantStatus
	driver Driver

	// acked is set once the participant acknowledged COMMIT PREPARED.
	acked bool
}

// Coordinator drives one distributed transaction through
// NotStarted -> Active -> Prepared -> Committed, or to Aborted from Active or
// Prepared. It's safe for concurrent use: the lock is only held to check and
// apply transitions, and a caller racing an in-flight phase gets errs.InvalidState.
type Coordinator struct {
	id  string
	log Log

	mu            sync.Mutex
	state         State
	inFlight      bool
	commitDecided bool
	participants  map[string]*participant
}

type Option func(*Coordinator)

// WithLog records phase transitions in the given log.
func WithLog(log Log) Option {
	return func(c *Coordinator) {
		c.log = log
	}
}

// New returns a coordinator for the given transaction id. An empty id is
// replaced with a generated one.
func New(id string, opts ...Option) *Coordinator {
	if id == "" {
		id = uuid.NewString()
	}
	c := &Coordinator{
		id:           id,
		log:          nopLog{},
		state:        NotStarted,
		participants: make(map[string]*participant),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewWithGeneratedID returns a coordinator with a random (v4 UUID) transaction id.
func NewWithGeneratedID(opts ...Option) *Coordinator {
	return New(uuid.NewString(), opts...)
}

func (c *Coordinator) TransactionID() string {
	return c.id
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) ParticipantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.participants)
}

// Participants returns a copy of the participants ordered by alias.
func (c *Coordinator) Participants() []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Map(c.sorted(), func(p *participant, _ int) Participant {
		return Participant{Alias: p.alias, Status: p.status}
	})
}

// AllPrepared reports whether every participant is prepared. It's false
// without participants.
func (c *Coordinator) AllPrepared() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allPrepared()
}

func (c *Coordinator) allPrepared() bool {
	if len(c.participants) == 0 {
		return false
	}
	for _, p := range c.participants {
		if p.status != StatusPrepared {
			return false
		}
	}
	return true
}

// sorted must be called with c.mu held.
func (c *Coordinator) sorted() []*participant {
	parts := lo.Values(c.participants)
	slices.SortFunc(parts, func(a, b *participant) int {
		return strings.Compare(a.alias, b.alias)
	})
	return parts
}

func (c *Coordinator) aliases(parts []*participant) []string {
	return lo.Map(parts, func(p *participant, _ int) string { return p.alias })
}

// start checks that no phase is in flight and the state is one of allowed.
// It must be called with c.mu held.
func (c *Coordinator) start(operation string, allowed ...State) error {
	if c.inFlight {
		return errors.Wrapf(errs.InvalidState, "cannot %s transaction %q: another phase is in progress", operation, c.id)
	}
	if !slices.Contains(allowed, c.state) {
		return errors.Wrapf(errs.InvalidState, "cannot %s transaction %q in state %s", operation, c.id, c.state)
	}
	return nil
}

func (c *Coordinator) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
}

func (c *Coordinator) Begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.start("begin", NotStarted); err != nil {
		return err
	}
	c.state = Active
	observe("begin", nil)
	logger.DebugContext(ctx, "began distributed transaction", slogx.String("xid", c.id))
	return nil
}

// AddParticipant enlists a database alias that only receives directives.
func (c *Coordinator) AddParticipant(alias string) error {
	return c.enlist(alias, nil)
}

// Enlist enlists a database alias whose local primitives are run by driver.
func (c *Coordinator) Enlist(alias string, driver Driver) error {
	if driver == nil {
		return errors.Wrapf(errs.InvalidArgument, "participant %q requires a driver", alias)
	}
	return c.enlist(alias, driver)
}

func (c *Coordinator) enlist(alias string, driver Driver) error {
	if alias == "" {
		return errors.Wrap(errs.InvalidArgument, "participant alias is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.start("add participant to", Active); err != nil {
		return err
	}
	if _, ok := c.participants[alias]; ok {
		return errors.Wrapf(ErrDuplicateParticipant, "%q", alias)
	}
	c.participants[alias] = &participant{alias: alias, status: StatusActive, driver: driver}
	return nil
}

// fanOut runs fn for every participant with a driver concurrently and waits
// for all of them. The error of participant i is at index i.
func fanOut(parts []*participant, fn func(i int, p *participant) error) []error {
	results := make([]error, len(parts))
	var eg errgroup.Group
	for i, p := range parts {
		if p.driver == nil {
			continue
		}
		eg.Go(func() error {
			results[i] = fn(i, p)
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// Prepare asks every participant to prepare and returns one
// "<alias>: PREPARE TRANSACTION '<xid>'" directive per participant.
//
// When a driver fails to prepare, participants that prepared are rolled back
// with ROLLBACK PREPARED and the others with ROLLBACK, the transaction is
// aborted and the error matches ErrPrepareFailed.
func (c *Coordinator) Prepare(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if err := c.start("prepare", Active); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if len(c.participants) == 0 {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrNoParticipants, "cannot prepare transaction %q", c.id)
	}
	c.inFlight = true
	parts := c.sorted()
	c.mu.Unlock()
	defer c.finish()

	aliases := c.aliases(parts)
	if err := c.log.Write(ctx, LogEntry{TransactionID: c.id, Phase: PhaseActive, Participants: aliases}); err != nil {
		observe("prepare", err)
		return nil, errors.Wrap(err, "failed to record transaction start")
	}

	results := fanOut(parts, func(_ int, p *participant) error {
		return p.driver.Prepare(ctx, c.id)
	})

	var failures []error
	for i, err := range results {
		if err != nil {
			failures = append(failures, participantError(ErrPrepareFailed, parts[i].alias, err))
		}
	}
	if len(failures) == 0 {
		if err := c.log.Write(ctx, LogEntry{TransactionID: c.id, Phase: PhasePrepared, Participants: aliases}); err != nil {
			failures = append(failures, errors.Wrap(err, "failed to record prepared transaction"))
		}
	}
	if len(failures) > 0 {
		err := errors.Join(failures...)
		if cerr := c.compensate(ctx, parts, results); cerr != nil {
			err = errors.Join(err, cerr)
		}
		observe("prepare", err)
		logger.ErrorContext(ctx, "failed to prepare distributed transaction", err, slogx.String("xid", c.id))
		return nil, err
	}

	c.mu.Lock()
	for _, p := range parts {
		p.status = StatusPrepared
	}
	c.state = Prepared
	c.mu.Unlock()

	observe("prepare", nil)
	logger.InfoContext(ctx, "prepared distributed transaction",
		slogx.String("xid", c.id),
		slogx.Int("participants", len(parts)),
	)
	return lo.Map(parts, func(p *participant, _ int) string {
		return directive(p.alias, PrepareStatement(c.id))
	}), nil
}

// compensate rolls back every participant after a failed prepare and aborts
// the transaction. A driver is prepared when its result is nil.
func (c *Coordinator) compensate(ctx context.Context, parts []*participant, prepareResults []error) error {
	results := fanOut(parts, func(i int, p *participant) error {
		if prepareResults[i] == nil {
			return p.driver.RollbackPrepared(ctx, c.id)
		}
		return p.driver.Rollback(ctx)
	})

	var failures []error
	for i, err := range results {
		if err != nil {
			failures = append(failures, participantError(ErrRollbackFailed, parts[i].alias, err))
		}
	}

	c.mu.Lock()
	for _, p := range parts {
		p.status = StatusAborted
	}
	c.state = Aborted
	c.mu.Unlock()

	// in-doubt participants keep the entry for the recovery sweep
	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	return errors.Wrap(c.log.Delete(ctx, c.id), "failed to forget aborted transaction")
}

// Commit sends COMMIT PREPARED to every participant and returns one
// "<alias>: COMMIT PREPARED '<xid>'" directive per participant.
//
// The commit decision is logged before the fan-out. When some participants
// fail, the error matches ErrCommitFailed and the coordinator stays Prepared:
// Commit may be called again and only re-sends to participants that did not
// acknowledge, Rollback is refused.
func (c *Coordinator) Commit(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if err := c.start("commit", Prepared); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if !c.allPrepared() {
		c.mu.Unlock()
		return nil, errors.Wrapf(errs.InvalidState, "cannot commit transaction %q: not every participant is prepared", c.id)
	}
	c.inFlight = true
	parts := c.sorted()
	decided := c.commitDecided
	pendingParts := lo.Filter(parts, func(p *participant, _ int) bool { return !p.acked })
	c.mu.Unlock()
	defer c.finish()

	if !decided {
		if err := c.log.Write(ctx, LogEntry{TransactionID: c.id, Phase: PhaseCommitting, Participants: c.aliases(parts)}); err != nil {
			observe("commit", err)
			return nil, errors.Wrap(err, "failed to record commit decision")
		}
		c.mu.Lock()
		c.commitDecided = true
		c.mu.Unlock()
	}

	results := fanOut(pendingParts, func(_ int, p *participant) error {
		return p.driver.CommitPrepared(ctx, c.id)
	})

	var failures []error
	c.mu.Lock()
	for i, p := range pendingParts {
		if results[i] != nil {
			failures = append(failures, participantError(ErrCommitFailed, p.alias, results[i]))
			continue
		}
		p.acked = true
	}
	if len(failures) == 0 {
		for _, p := range parts {
			p.status = StatusCommitted
		}
		c.state = Committed
	}
	c.mu.Unlock()

	if len(failures) > 0 {
		err := errors.Join(failures...)
		observe("commit", err)
		logger.ErrorContext(ctx, "failed to commit distributed transaction", err,
			slogx.String("xid", c.id),
			slogx.Int("failed", len(failures)),
		)
		return nil, err
	}

	observe("commit", nil)
	logger.InfoContext(ctx, "committed distributed transaction", slogx.String("xid", c.id))
	directives := lo.Map(parts, func(p *participant, _ int) string {
		return directive(p.alias, CommitPreparedStatement(c.id))
	})
	if err := c.log.Delete(ctx, c.id); err != nil {
		return directives, errors.Wrap(err, "failed to forget committed transaction")
	}
	return directives, nil
}

// Rollback aborts the transaction from Active or Prepared. Prepared
// participants get "<alias>: ROLLBACK PREPARED '<xid>'", the others
// "<alias>: ROLLBACK". The transaction is aborted even when a driver fails,
// the error then matches ErrRollbackFailed.
func (c *Coordinator) Rollback(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if err := c.start("rollback", Active, Prepared); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.commitDecided {
		c.mu.Unlock()
		return nil, errors.Wrapf(errs.InvalidState, "cannot rollback transaction %q: commit was already decided", c.id)
	}
	c.inFlight = true
	parts := c.sorted()
	prepared := lo.Map(parts, func(p *participant, _ int) bool { return p.status == StatusPrepared })
	c.mu.Unlock()
	defer c.finish()

	directives := make([]string, len(parts))
	for i, p := range parts {
		if prepared[i] {
			directives[i] = directive(p.alias, RollbackPreparedStatement(c.id))
		} else {
			directives[i] = directive(p.alias, RollbackStatement())
		}
	}

	results := fanOut(parts, func(i int, p *participant) error {
		if prepared[i] {
			return p.driver.RollbackPrepared(ctx, c.id)
		}
		return p.driver.Rollback(ctx)
	})

	var failures []error
	for i, err := range results {
		if err != nil {
			failures = append(failures, participantError(ErrRollbackFailed, parts[i].alias, err))
		}
	}

	c.mu.Lock()
	for _, p := range parts {
		p.status = StatusAborted
	}
	c.state = Aborted
	c.mu.Unlock()

	if len(failures) > 0 {
		err := errors.Join(failures...)
		observe("rollback", err)
		logger.ErrorContext(ctx, "failed to rollback distributed transaction", err, slogx.String("xid", c.id))
		return directives, err
	}

	observe("rollback", nil)
	logger.InfoContext(ctx, "rolled back distributed transaction", slogx.String("xid", c.id))
	if err := c.log.Delete(ctx, c.id); err != nil {
		return directives, errors.Wrap(err, "failed to forget aborted transaction")
	}
	return directives, nil
}

// Recover lists the transactions held prepared by every enlisted driver that
// implements InDoubter, keyed by participant alias.
func (c *Coordinator) Recover(ctx context.Context) (map[string][]string, error) {
	c.mu.Lock()
	parts := lo.Filter(c.sorted(), func(p *participant, _ int) bool {
		_, ok := p.driver.(InDoubter)
		return ok
	})
	c.mu.Unlock()

	results := make([][]string, len(parts))
	eg, ectx := errgroup.WithContext(ctx)
	for i, p := range parts {
		eg.Go(func() error {
			xids, err := p.driver.(InDoubter).InDoubt(ectx)
			if err != nil {
				return errors.Wrapf(err, "failed to list in-doubt transactions of %q", p.alias)
			}
			results[i] = xids
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, errors.WithStack(err)
	}

	inDoubt := make(map[string][]string, len(parts))
	for i, p := range parts {
		inDoubt[p.alias] = results[i]
	}
	return inDoubt, nil
}
