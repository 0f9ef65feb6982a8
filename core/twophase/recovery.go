package twophase

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/pkg/logger"
	"github.com/gaze-network/txcore/pkg/logger/slogx"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// ResourceManager resolves transactions a participant database holds prepared.
type ResourceManager interface {
	InDoubter
	CommitPrepared(ctx context.Context, xid string) error
	RollbackPrepared(ctx context.Context, xid string) error
}

type Outcome uint8

const (
	OutcomeCommitted Outcome = iota + 1
	OutcomeRolledBack
	// OutcomeSkipped marks a prepared transaction the log knows nothing about.
	// It may belong to another coordinator and is left alone.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeRolledBack:
		return "rolled_back"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

type Resolution struct {
	Participant   string
	TransactionID string
	Outcome       Outcome
}

type Report struct {
	Resolutions []Resolution
}

// Count returns the number of resolutions with the given outcome.
func (r Report) Count(outcome Outcome) int {
	return lo.CountBy(r.Resolutions, func(res Resolution) bool { return res.Outcome == outcome })
}

// Recover resolves in-doubt transactions after a coordinator restart with
// presumed abort: a transaction whose log entry holds the commit decision is
// committed, any other logged transaction is rolled back. Log entries left
// with nothing in doubt are deleted.
//
// Recover must not run while live coordinators write to the same log.
func Recover(ctx context.Context, log Log, managers map[string]ResourceManager) (Report, error) {
	entries, err := log.Entries(ctx)
	if err != nil {
		return Report{}, errors.Wrap(err, "failed to read transaction log")
	}
	decisions := lo.Associate(entries, func(e LogEntry) (string, Phase) {
		return e.TransactionID, e.Phase
	})

	var (
		mu          sync.Mutex
		resolutions []Resolution
		unresolved  = make(map[string]struct{})
	)
	record := func(res Resolution, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			unresolved[res.TransactionID] = struct{}{}
			return
		}
		resolutions = append(resolutions, res)
	}

	var eg errgroup.Group
	for alias, manager := range managers {
		eg.Go(func() error {
			xids, err := manager.InDoubt(ctx)
			if err != nil {
				mu.Lock()
				for id := range decisions {
					unresolved[id] = struct{}{}
				}
				mu.Unlock()
				return errors.Wrapf(err, "failed to list in-doubt transactions of %q", alias)
			}

			var errs []error
			for _, xid := range xids {
				phase, ok := decisions[xid]
				res := Resolution{Participant: alias, TransactionID: xid}
				var err error
				switch {
				case !ok:
					res.Outcome = OutcomeSkipped
				case phase == PhaseCommitting:
					res.Outcome = OutcomeCommitted
					err = manager.CommitPrepared(ctx, xid)
				default:
					res.Outcome = OutcomeRolledBack
					err = manager.RollbackPrepared(ctx, xid)
				}
				if err != nil {
					errs = append(errs, errors.Wrapf(err, "failed to resolve %q on %q", xid, alias))
				}
				record(res, err)
			}
			return errors.Join(errs...)
		})
	}
	sweepErr := eg.Wait()

	for id := range decisions {
		if _, ok := unresolved[id]; ok {
			continue
		}
		if err := log.Delete(ctx, id); err != nil {
			sweepErr = errors.Join(sweepErr, errors.Wrapf(err, "failed to forget %q", id))
		}
	}

	slices.SortFunc(resolutions, func(a, b Resolution) int {
		if c := cmp.Compare(a.Participant, b.Participant); c != 0 {
			return c
		}
		return cmp.Compare(a.TransactionID, b.TransactionID)
	})
	report := Report{Resolutions: resolutions}
	observe("recover", sweepErr)
	logger.InfoContext(ctx, "recovered in-doubt transactions",
		slogx.Int("committed", report.Count(OutcomeCommitted)),
		slogx.Int("rolled_back", report.Count(OutcomeRolledBack)),
		slogx.Int("skipped", report.Count(OutcomeSkipped)),
	)
	if sweepErr != nil {
		return report, errors.WithStack(sweepErr)
	}
	return report, nil
}
