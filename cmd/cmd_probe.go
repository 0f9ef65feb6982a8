package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/core/entity"
	"github.com/gaze-network/txcore/core/relationship"
	"github.com/gaze-network/txcore/core/session"
	"github.com/gaze-network/txcore/core/storage"
	"github.com/gaze-network/txcore/core/twophase"
	"github.com/gaze-network/txcore/internal/config"
	"github.com/gaze-network/txcore/internal/postgres"
	"github.com/gaze-network/txcore/pkg/automaxprocs"
	"github.com/gaze-network/txcore/pkg/logger"
	"github.com/gaze-network/txcore/pkg/logger/slogx"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/samber/do/v2"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

type probeRun struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`

	Steps []*probeStep `json:"-"`
}

func (r *probeRun) EntityKind() string { return "probe_runs" }

func (r *probeRun) PrimaryKey() (entity.PrimaryKey, bool) {
	return entity.String(r.ID), r.ID != ""
}

func (r *probeRun) Related(name string) ([]entity.Entity, bool) {
	if name != "steps" || r.Steps == nil {
		return nil, false
	}
	return lo.Map(r.Steps, func(s *probeStep, _ int) entity.Entity { return s }), true
}

type probeStep struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
	Name  string `json:"name"`
}

func (s *probeStep) EntityKind() string { return "probe_steps" }

func (s *probeStep) PrimaryKey() (entity.PrimaryKey, bool) {
	return entity.String(s.ID), s.ID != ""
}

func decodeProbe(row storage.Row) (entity.Entity, error) {
	var e entity.Entity
	switch row.Kind {
	case "probe_runs":
		e = &probeRun{}
	case "probe_steps":
		e = &probeStep{}
	default:
		return nil, errors.Errorf("unknown probe kind %q", row.Kind)
	}
	if err := json.Unmarshal(row.Payload, e); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s:%s", row.Kind, row.Key)
	}
	return e, nil
}

type probeCmdOptions struct {
	Steps     int
	Cascade   string
	Isolation string
}

func NewProbeCommand() *cobra.Command {
	opts := &probeCmdOptions{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run a session round trip on the store and a two-phase commit over the participants",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := automaxprocs.Init(); err != nil {
				logger.Error("Failed to set GOMAXPROCS", slogx.Error(err))
			}
			return probeHandler(opts, cmd, args)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.Steps, "steps", 3, "Number of child rows written with the probe run")
	flags.StringVar(&opts.Cascade, "cascade", "save-update, delete", "Cascade of the run to steps relationship")
	flags.StringVar(&opts.Isolation, "isolation", "", "Isolation level of the session transaction, e.g. serializable")

	return cmd
}

func probeHandler(opts *probeCmdOptions, cmd *cobra.Command, _ []string) error {
	conf := config.Load()
	ctx := logger.WithContext(cmd.Context(), slogx.String("command", "probe"))

	injector := newInjector(ctx, conf)
	defer shutdownInjector(ctx, injector)

	store, err := do.Invoke[*snapshotStore](injector)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := probeSession(ctx, store, opts); err != nil {
		return errors.Wrap(err, "session probe failed")
	}

	if len(conf.Participants) > 0 {
		pools, err := do.Invoke[participantPools](injector)
		if err != nil {
			return errors.WithStack(err)
		}
		directives, err := probeTwoPhase(ctx, pools)
		if err != nil {
			return errors.Wrap(err, "two-phase probe failed")
		}
		for _, d := range directives {
			fmt.Fprintln(cmd.OutOrStdout(), d)
		}
	}

	return errors.WithStack(printMetrics(cmd.OutOrStdout()))
}

func probeSession(ctx context.Context, conn storage.Connection, opts *probeCmdOptions) error {
	policy := relationship.New("steps", "probe_runs", "probe_steps", relationship.OneToMany).
		WithForeignKey("run_id").
		WithOrderBy("name").
		WithCascade(opts.Cascade)
	registry, err := relationship.NewRegistry(policy)
	if err != nil {
		return errors.WithStack(err)
	}
	withRelationships := session.WithRelationships(registry, storage.NewLoader(conn, decodeProbe))

	run := &probeRun{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	for i := range opts.Steps {
		run.Steps = append(run.Steps, &probeStep{ID: uuid.NewString(), RunID: run.ID, Name: fmt.Sprintf("step-%02d", i)})
	}

	level, err := storage.ParseIsolationLevel(opts.Isolation)
	if err != nil {
		return errors.WithStack(err)
	}
	s, err := session.New(conn, withRelationships)
	if err != nil {
		return errors.WithStack(err)
	}
	var written int
	err = s.Atomic(ctx, func(ctx context.Context) error {
		if err := s.Add(ctx, run); err != nil {
			return errors.WithStack(err)
		}
		written = s.DirtyCount()
		return nil
	}, session.WithIsolation(level))
	if err != nil {
		return errors.Join(err, s.Close(ctx))
	}
	if err := s.Close(ctx); err != nil {
		return errors.WithStack(err)
	}

	// read back in a fresh session, steps come from the loader
	s, err = session.New(conn, withRelationships)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if !s.IsClosed() {
			_ = s.Close(ctx)
		}
	}()
	var found probeRun
	if err := s.Find(ctx, "probe_runs", entity.String(run.ID), &found); err != nil {
		return errors.WithStack(err)
	}
	if err := s.Delete(ctx, &found); err != nil {
		return errors.WithStack(err)
	}
	deleted := s.DeletedCount()
	if err := s.Commit(ctx); err != nil {
		return errors.WithStack(err)
	}

	logger.InfoContext(ctx, "Session probe completed",
		slogx.String("run", run.ID),
		slogx.Int("written", written),
		slogx.Int("deleted", deleted),
	)
	return nil
}

func probeTwoPhase(ctx context.Context, pools participantPools) (_ []string, err error) {
	tpc := twophase.NewWithGeneratedID(twophase.WithLog(twophase.NewMemoryLog()))
	ctx = logger.WithContext(ctx, slogx.String("xid", tpc.TransactionID()))
	if err := tpc.Begin(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	defer func() {
		if err == nil || tpc.State().IsTerminal() {
			return
		}
		if _, rerr := tpc.Rollback(ctx); rerr != nil {
			logger.ErrorContext(ctx, "Failed to rollback probe transaction", rerr)
		}
	}()

	for _, alias := range pools.Aliases() {
		p, err := postgres.BeginParticipant(ctx, pools[alias])
		if err != nil {
			return nil, errors.Wrapf(err, "can't begin participant %q", alias)
		}
		if err := tpc.Enlist(alias, p); err != nil {
			_ = p.Rollback(ctx)
			return nil, errors.WithStack(err)
		}

		s, err := session.New(storage.Enlisted(p.Database()))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if err := s.Add(ctx, &probeRun{ID: tpc.TransactionID(), StartedAt: time.Now().UTC()}); err != nil {
			return nil, errors.Join(err, s.Close(ctx))
		}
		if err := s.Flush(ctx); err != nil {
			return nil, errors.Join(err, s.Close(ctx))
		}
		if err := s.Close(ctx); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	if _, err := tpc.Prepare(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	directives, err := tpc.Commit(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	logger.InfoContext(ctx, "Two-phase probe committed", slogx.Int("participants", tpc.ParticipantCount()))
	return directives, nil
}

func printMetrics(w io.Writer) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return errors.Wrap(err, "failed to gather metrics")
	}
	for _, family := range families {
		if !strings.HasPrefix(family.GetName(), "txcore_") {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := lo.Map(metric.GetLabel(), func(l *dto.LabelPair, _ int) string {
				return l.GetName() + "=" + l.GetValue()
			})
			fmt.Fprintf(w, "%s{%s} %v\n", family.GetName(), strings.Join(labels, ","), metric.GetCounter().GetValue())
		}
	}
	return nil
}
