package twophase

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// journal is an ordered record of what drivers and logs were asked to do.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(event string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

func (j *journal) count(event string) int {
	n := 0
	for _, e := range j.list() {
		if e == event {
			n++
		}
	}
	return n
}

type fakeDriver struct {
	alias   string
	journal *journal

	mu                  sync.Mutex
	prepareErr          error
	commitErr           error
	rollbackPreparedErr error
	rollbackErr         error
	inDoubt             map[string]bool
	prepareGate         chan struct{}
}

func newFakeDriver(alias string, j *journal) *fakeDriver {
	return &fakeDriver{alias: alias, journal: j, inDoubt: make(map[string]bool)}
}

func (d *fakeDriver) Prepare(ctx context.Context, xid string) error {
	if d.prepareGate != nil {
		<-d.prepareGate
	}
	d.journal.add(d.alias + " prepare " + xid)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.prepareErr != nil {
		return d.prepareErr
	}
	d.inDoubt[xid] = true
	return nil
}

func (d *fakeDriver) CommitPrepared(ctx context.Context, xid string) error {
	d.journal.add(d.alias + " commit " + xid)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.commitErr != nil {
		return d.commitErr
	}
	delete(d.inDoubt, xid)
	return nil
}

func (d *fakeDriver) RollbackPrepared(ctx context.Context, xid string) error {
	d.journal.add(d.alias + " rollback-prepared " + xid)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rollbackPreparedErr != nil {
		return d.rollbackPreparedErr
	}
	delete(d.inDoubt, xid)
	return nil
}

func (d *fakeDriver) Rollback(ctx context.Context) error {
	d.journal.add(d.alias + " rollback")
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rollbackErr
}

func (d *fakeDriver) InDoubt(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	xids := make([]string, 0, len(d.inDoubt))
	for xid := range d.inDoubt {
		xids = append(xids, xid)
	}
	return xids, nil
}

func (d *fakeDriver) set(fn func(d *fakeDriver)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

// journalLog is a MemoryLog that also journals the phases written.
type journalLog struct {
	*MemoryLog
	journal *journal
}

func (l journalLog) Write(ctx context.Context, entry LogEntry) error {
	l.journal.add("log " + string(entry.Phase))
	return l.MemoryLog.Write(ctx, entry)
}

func begin(t *testing.T, c *Coordinator, aliases ...string) {
	t.Helper()
	require.NoError(t, c.Begin(context.Background()))
	for _, alias := range aliases {
		require.NoError(t, c.AddParticipant(alias))
	}
}

func TestPrepareAndCommit(t *testing.T) {
	ctx := context.Background()
	tpc := New("tx-1")
	begin(t, tpc, "db1", "db2")

	directives, err := tpc.Prepare(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"db1: PREPARE TRANSACTION 'tx-1'",
		"db2: PREPARE TRANSACTION 'tx-1'",
	}, directives)
	assert.True(t, tpc.AllPrepared())
	assert.Equal(t, Prepared, tpc.State())

	directives, err = tpc.Commit(ctx)
	require.NoError(t, err)
	assert.Len(t, directives, 2)
	for _, d := range directives {
		assert.Contains(t, d, "COMMIT PREPARED")
	}
	assert.Equal(t, Committed, tpc.State())
	for _, p := range tpc.Participants() {
		assert.Equal(t, StatusCommitted, p.Status)
	}
}

func TestRollbackBeforePrepare(t *testing.T) {
	tpc := New("tx-1")
	begin(t, tpc, "db1", "db2")

	directives, err := tpc.Rollback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"db1: ROLLBACK", "db2: ROLLBACK"}, directives)
	for _, d := range directives {
		assert.Contains(t, d, "ROLLBACK")
		assert.NotContains(t, d, "PREPARED")
	}
	assert.Equal(t, Aborted, tpc.State())
	for _, p := range tpc.Participants() {
		assert.Equal(t, StatusAborted, p.Status)
	}
}

func TestRollbackAfterPrepare(t *testing.T) {
	ctx := context.Background()
	tpc := New("tx-1")
	begin(t, tpc, "db1")
	_, err := tpc.Prepare(ctx)
	require.NoError(t, err)

	directives, err := tpc.Rollback(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db1: ROLLBACK PREPARED 'tx-1'"}, directives)
	assert.Equal(t, Aborted, tpc.State())
}

func TestDuplicateParticipant(t *testing.T) {
	tpc := New("tx-1")
	begin(t, tpc, "db1")

	err := tpc.AddParticipant("db1")
	assert.ErrorIs(t, err, ErrDuplicateParticipant)
	assert.Equal(t, 1, tpc.ParticipantCount())

	assert.ErrorIs(t, tpc.AddParticipant(""), errs.InvalidArgument)
	assert.ErrorIs(t, tpc.Enlist("db3", nil), errs.InvalidArgument)
}

func TestIllegalTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("prepare without participants", func(t *testing.T) {
		tpc := New("tx-1")
		begin(t, tpc)
		_, err := tpc.Prepare(ctx)
		assert.ErrorIs(t, err, ErrNoParticipants)
		assert.Equal(t, Active, tpc.State())
		assert.False(t, tpc.AllPrepared())
	})

	t.Run("commit while active", func(t *testing.T) {
		tpc := New("tx-1")
		begin(t, tpc, "db1")
		_, err := tpc.Commit(ctx)
		assert.ErrorIs(t, err, errs.InvalidState)
		assert.Equal(t, Active, tpc.State())
	})

	t.Run("not started", func(t *testing.T) {
		tpc := New("tx-1")
		assert.ErrorIs(t, tpc.AddParticipant("db1"), errs.InvalidState)
		_, err := tpc.Prepare(ctx)
		assert.ErrorIs(t, err, errs.InvalidState)
		_, err = tpc.Rollback(ctx)
		assert.ErrorIs(t, err, errs.InvalidState)
	})

	t.Run("double begin", func(t *testing.T) {
		tpc := New("tx-1")
		begin(t, tpc)
		assert.ErrorIs(t, tpc.Begin(ctx), errs.InvalidState)
	})

	t.Run("prepare twice", func(t *testing.T) {
		tpc := New("tx-1")
		begin(t, tpc, "db1")
		_, err := tpc.Prepare(ctx)
		require.NoError(t, err)
		_, err = tpc.Prepare(ctx)
		assert.ErrorIs(t, err, errs.InvalidState)
		assert.ErrorIs(t, tpc.AddParticipant("db2"), errs.InvalidState)
	})

	terminal := map[string]func(t *testing.T, c *Coordinator){
		"committed": func(t *testing.T, c *Coordinator) {
			_, err := c.Prepare(ctx)
			require.NoError(t, err)
			_, err = c.Commit(ctx)
			require.NoError(t, err)
		},
		"aborted": func(t *testing.T, c *Coordinator) {
			_, err := c.Rollback(ctx)
			require.NoError(t, err)
		},
	}
	for name, finish := range terminal {
		t.Run("terminal "+name, func(t *testing.T) {
			tpc := New("tx-1")
			begin(t, tpc, "db1")
			finish(t, tpc)
			assert.True(t, tpc.State().IsTerminal())

			assert.ErrorIs(t, tpc.Begin(ctx), errs.InvalidState)
			assert.ErrorIs(t, tpc.AddParticipant("db2"), errs.InvalidState)
			_, err := tpc.Prepare(ctx)
			assert.ErrorIs(t, err, errs.InvalidState)
			_, err = tpc.Commit(ctx)
			assert.ErrorIs(t, err, errs.InvalidState)
			_, err = tpc.Rollback(ctx)
			assert.ErrorIs(t, err, errs.InvalidState)
		})
	}
}

func TestDirectiveQuoting(t *testing.T) {
	assert.Equal(t, "PREPARE TRANSACTION 'it''s'", PrepareStatement("it's"))
	assert.Equal(t, "COMMIT PREPARED 'tx'", CommitPreparedStatement("tx"))
	assert.Equal(t, "ROLLBACK PREPARED 'tx'", RollbackPreparedStatement("tx"))
	assert.Equal(t, "ROLLBACK", RollbackStatement())
}

func TestGeneratedID(t *testing.T) {
	tpc := NewWithGeneratedID()
	id, err := uuid.Parse(tpc.TransactionID())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), id.Version())
	assert.NotEmpty(t, New("").TransactionID())
	assert.NotEqual(t, tpc.TransactionID(), NewWithGeneratedID().TransactionID())
	assert.Equal(t, NotStarted, tpc.State())
}

func TestDriversPrepareAndCommit(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	log := journalLog{MemoryLog: NewMemoryLog(), journal: j}
	db1, db2 := newFakeDriver("db1", j), newFakeDriver("db2", j)

	tpc := New("tx-1", WithLog(log))
	require.NoError(t, tpc.Begin(ctx))
	require.NoError(t, tpc.Enlist("db1", db1))
	require.NoError(t, tpc.Enlist("db2", db2))

	_, err := tpc.Prepare(ctx)
	require.NoError(t, err)
	entries, err := log.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, PhasePrepared, entries[0].Phase)
	assert.Equal(t, []string{"db1", "db2"}, entries[0].Participants)

	_, err = tpc.Commit(ctx)
	require.NoError(t, err)

	events := j.list()
	assert.Equal(t, "log active", events[0])
	assert.ElementsMatch(t, []string{"db1 prepare tx-1", "db2 prepare tx-1"}, events[1:3])
	assert.Equal(t, "log prepared", events[3])
	assert.Equal(t, "log committing", events[4])
	assert.ElementsMatch(t, []string{"db1 commit tx-1", "db2 commit tx-1"}, events[5:7])

	entries, err = log.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPrepareFailureCompensates(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	log := NewMemoryLog()
	db1, db2, db3 := newFakeDriver("db1", j), newFakeDriver("db2", j), newFakeDriver("db3", j)
	db2.prepareErr = errors.New("disk full")

	tpc := New("tx-1", WithLog(log))
	require.NoError(t, tpc.Begin(ctx))
	require.NoError(t, tpc.Enlist("db1", db1))
	require.NoError(t, tpc.Enlist("db2", db2))
	require.NoError(t, tpc.Enlist("db3", db3))
	require.NoError(t, tpc.AddParticipant("db4"))

	directives, err := tpc.Prepare(ctx)
	assert.Nil(t, directives)
	assert.ErrorIs(t, err, ErrPrepareFailed)

	var perr *ParticipantError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "db2", perr.Participant)
	assert.EqualError(t, perr.Reason, "disk full")

	assert.Equal(t, 1, j.count("db1 rollback-prepared tx-1"))
	assert.Equal(t, 1, j.count("db2 rollback"))
	assert.Equal(t, 1, j.count("db3 rollback-prepared tx-1"))
	assert.Zero(t, j.count("db2 rollback-prepared tx-1"))

	assert.Equal(t, Aborted, tpc.State())
	for _, p := range tpc.Participants() {
		assert.Equal(t, StatusAborted, p.Status, p.Alias)
	}
	entries, err := log.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPrepareFailureWithFailedCompensationKeepsLog(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	log := NewMemoryLog()
	db1, db2 := newFakeDriver("db1", j), newFakeDriver("db2", j)
	db1.rollbackPreparedErr = errors.New("connection lost")
	db2.prepareErr = errors.New("serialization failure")

	tpc := New("tx-1", WithLog(log))
	require.NoError(t, tpc.Begin(ctx))
	require.NoError(t, tpc.Enlist("db1", db1))
	require.NoError(t, tpc.Enlist("db2", db2))

	_, err := tpc.Prepare(ctx)
	assert.ErrorIs(t, err, ErrPrepareFailed)
	assert.ErrorIs(t, err, ErrRollbackFailed)
	assert.Equal(t, Aborted, tpc.State())

	entries, err := log.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, PhaseActive, entries[0].Phase)
}

func TestCommitFailureRetry(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	log := NewMemoryLog()
	db1, db2 := newFakeDriver("db1", j), newFakeDriver("db2", j)
	db2.commitErr = errors.New("timeout")

	tpc := New("tx-1", WithLog(log))
	require.NoError(t, tpc.Begin(ctx))
	require.NoError(t, tpc.Enlist("db1", db1))
	require.NoError(t, tpc.Enlist("db2", db2))
	_, err := tpc.Prepare(ctx)
	require.NoError(t, err)

	directives, err := tpc.Commit(ctx)
	assert.Nil(t, directives)
	assert.ErrorIs(t, err, ErrCommitFailed)
	var perr *ParticipantError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "db2", perr.Participant)
	assert.Equal(t, Prepared, tpc.State())
	assert.True(t, tpc.AllPrepared())

	entries, err := log.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, PhaseCommitting, entries[0].Phase)

	_, err = tpc.Rollback(ctx)
	assert.ErrorIs(t, err, errs.InvalidState)

	db2.set(func(d *fakeDriver) { d.commitErr = nil })
	directives, err = tpc.Commit(ctx)
	require.NoError(t, err)
	assert.Len(t, directives, 2)
	assert.Equal(t, Committed, tpc.State())
	assert.Equal(t, 1, j.count("db1 commit tx-1"))
	assert.Equal(t, 2, j.count("db2 commit tx-1"))

	entries, err = log.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRollbackFailure(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	db1, db2 := newFakeDriver("db1", j), newFakeDriver("db2", j)
	db1.rollbackPreparedErr = errors.New("connection refused")

	tpc := New("tx-1")
	require.NoError(t, tpc.Begin(ctx))
	require.NoError(t, tpc.Enlist("db1", db1))
	require.NoError(t, tpc.Enlist("db2", db2))
	_, err := tpc.Prepare(ctx)
	require.NoError(t, err)

	directives, err := tpc.Rollback(ctx)
	assert.ErrorIs(t, err, ErrRollbackFailed)
	assert.Equal(t, []string{"db1: ROLLBACK PREPARED 'tx-1'", "db2: ROLLBACK PREPARED 'tx-1'"}, directives)
	assert.Equal(t, Aborted, tpc.State())
	assert.Equal(t, 1, j.count("db2 rollback-prepared tx-1"))
}

func TestConcurrentTransitionsLose(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	db1 := newFakeDriver("db1", j)
	db1.prepareGate = make(chan struct{})

	tpc := New("tx-1")
	require.NoError(t, tpc.Begin(ctx))
	require.NoError(t, tpc.Enlist("db1", db1))

	done := make(chan error, 1)
	go func() {
		_, err := tpc.Prepare(ctx)
		done <- err
	}()

	// wait until the prepare fan-out is in flight
	require.Eventually(t, func() bool {
		tpc.mu.Lock()
		defer tpc.mu.Unlock()
		return tpc.inFlight
	}, time.Second, time.Millisecond)

	_, err := tpc.Prepare(ctx)
	assert.ErrorIs(t, err, errs.InvalidState)
	_, err = tpc.Rollback(ctx)
	assert.ErrorIs(t, err, errs.InvalidState)
	assert.ErrorIs(t, tpc.AddParticipant("db2"), errs.InvalidState)

	close(db1.prepareGate)
	require.NoError(t, <-done)
	assert.Equal(t, Prepared, tpc.State())
}

func TestCoordinatorRecover(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	db1 := newFakeDriver("db1", j)
	db1.inDoubt["old-tx"] = true

	tpc := New("tx-1")
	require.NoError(t, tpc.Begin(ctx))
	require.NoError(t, tpc.Enlist("db1", db1))
	require.NoError(t, tpc.AddParticipant("db2"))

	inDoubt, err := tpc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"db1": {"old-tx"}}, inDoubt)
}

func TestRecoverSweep(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	log := NewMemoryLog()
	require.NoError(t, log.Write(ctx, LogEntry{TransactionID: "tx-commit", Phase: PhaseCommitting, Participants: []string{"db1", "db2"}}))
	require.NoError(t, log.Write(ctx, LogEntry{TransactionID: "tx-prepared", Phase: PhasePrepared, Participants: []string{"db1"}}))
	require.NoError(t, log.Write(ctx, LogEntry{TransactionID: "tx-stale", Phase: PhaseActive, Participants: []string{"db2"}}))

	db1, db2 := newFakeDriver("db1", j), newFakeDriver("db2", j)
	db1.inDoubt = map[string]bool{"tx-commit": true, "tx-prepared": true, "foreign": true}
	db2.inDoubt = map[string]bool{"tx-commit": true}

	report, err := Recover(ctx, log, map[string]ResourceManager{"db1": db1, "db2": db2})
	require.NoError(t, err)
	assert.Equal(t, []Resolution{
		{Participant: "db1", TransactionID: "foreign", Outcome: OutcomeSkipped},
		{Participant: "db1", TransactionID: "tx-commit", Outcome: OutcomeCommitted},
		{Participant: "db1", TransactionID: "tx-prepared", Outcome: OutcomeRolledBack},
		{Participant: "db2", TransactionID: "tx-commit", Outcome: OutcomeCommitted},
	}, report.Resolutions)
	assert.Equal(t, 2, report.Count(OutcomeCommitted))

	entries, err := log.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	remaining, err := db1.InDoubt(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"foreign"}, remaining)
}

func TestRecoverSweepKeepsUnresolved(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	log := NewMemoryLog()
	require.NoError(t, log.Write(ctx, LogEntry{TransactionID: "tx-1", Phase: PhasePrepared}))
	require.NoError(t, log.Write(ctx, LogEntry{TransactionID: "tx-2", Phase: PhaseCommitting}))

	db1 := newFakeDriver("db1", j)
	db1.inDoubt = map[string]bool{"tx-1": true, "tx-2": true}
	db1.rollbackPreparedErr = errors.New("connection reset")

	report, err := Recover(ctx, log, map[string]ResourceManager{"db1": db1})
	assert.Error(t, err)
	assert.Equal(t, 1, report.Count(OutcomeCommitted))

	entries, err := log.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tx-1", entries[0].TransactionID)
}

func TestStateStrings(t *testing.T) {
	names := []string{NotStarted.String(), Active.String(), Prepared.String(), Committed.String(), Aborted.String()}
	assert.Equal(t, "not_started active prepared committed aborted", strings.Join(names, " "))
	assert.True(t, Participant{Status: StatusPrepared}.IsPrepared())
	assert.False(t, Participant{Status: StatusActive}.IsPrepared())
}
