package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/logcraft-io/logcraft-cli/pkg/telemetry"
)

// Reconciler orchestrates plan, apply and destroy: it diffs desired against
// state and observed, dispatches plugin calls, aggregates outcomes, and
// commits the state under the store's exclusive lock.
type Reconciler struct {
	store  Store
	broker PluginBroker
	logger zerolog.Logger

	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	// Concurrency caps the number of services dispatched in parallel.
	// Zero means one worker per service.
	Concurrency int

	// GracePeriod bounds how long a cancelled reconciliation awaits in-flight
	// plugin calls before forcing exit.
	GracePeriod time.Duration

	// Version is stamped into lock metadata.
	Version string
}

// NewReconciler creates a reconciler over the given store and plugin broker.
func NewReconciler(store Store, broker PluginBroker, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		broker:      broker,
		logger:      logger.With().Str("component", "reconciler").Logger(),
		GracePeriod: 30 * time.Second,
	}
}

// WithTelemetry attaches metrics and tracing.
func (r *Reconciler) WithTelemetry(m *telemetry.Metrics, t *telemetry.Tracer) *Reconciler {
	r.metrics = m
	r.tracer = t
	return r
}

// OperationFailure pairs a failed operation with its error.
type OperationFailure struct {
	Operation Operation
	Err       error
}

// Result is the outcome of an apply or destroy.
type Result struct {
	// Applied lists operations that succeeded, in completion order.
	Applied []Operation

	// Failed lists operations that errored; siblings kept running.
	Failed []OperationFailure

	// Serial is the committed state serial.
	Serial uint64

	// Declined is set when the user rejected the plan at confirmation.
	Declined bool

	// Cancelled is set when the run was interrupted; completed operations
	// are still reflected in the committed state.
	Cancelled bool
}

// ConfirmFunc is consulted between planning and applying. A nil function
// auto-approves.
type ConfirmFunc func(*Plan) (bool, error)

// Plan computes the operation set for the targets in scope without touching
// the lock. It is a pure function of (workspace, state, observed); under
// stateOnly the observed view is the state itself and no plugin is called.
func (r *Reconciler) Plan(ctx context.Context, targets []ServiceTarget, stateOnly bool) (*Plan, *StateDoc, error) {
	plan, doc, _, err := r.plan(ctx, targets, stateOnly)
	return plan, doc, err
}

func (r *Reconciler) plan(ctx context.Context, targets []ServiceTarget, stateOnly bool) (*Plan, *StateDoc, map[string]Observation, error) {
	ctx, span := r.span(ctx, "reconcile.plan")
	defer span.End()

	doc, exists, err := r.store.Load(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	if stateOnly && !exists {
		return nil, nil, nil, Errorf(KindStateIO, "state missing, cannot determine changes")
	}

	observed, err := r.observe(ctx, targets, doc, stateOnly)
	if err != nil {
		return nil, nil, nil, err
	}

	return Diff(targets, doc, observed), doc, observed, nil
}

// observe builds the observed view by reading every name in desired ∪ state
// through the plugin, or mirrors the state under stateOnly. Reads across
// services run in parallel; reads within a service share one plugin session.
func (r *Reconciler) observe(ctx context.Context, targets []ServiceTarget, doc *StateDoc, stateOnly bool) (map[string]Observation, error) {
	observed := make(map[string]Observation, len(targets))

	if stateOnly {
		for _, t := range targets {
			obs := make(Observation)
			for name, content := range doc.Artifacts[t.ID] {
				obs[name] = content
			}
			observed[t.ID] = obs
		}
		return observed, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers(len(targets)))

	for _, t := range targets {
		g.Go(func() error {
			client, err := r.broker.ServiceClient(gctx, t.Plugin, t.Settings)
			if err != nil {
				return err
			}

			names := make(map[string][]byte, len(t.Desired))
			for name, content := range t.Desired {
				names[name] = content
			}
			for name, content := range doc.Artifacts[t.ID] {
				if _, ok := names[name]; !ok {
					names[name] = content
				}
			}

			obs := make(Observation)
			for name, content := range names {
				artifact, found, err := client.Read(gctx, content)
				if err != nil {
					return wrap(err, t.ID, name)
				}
				if found {
					obs[name] = artifact
				}
			}

			mu.Lock()
			observed[t.ID] = obs
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return observed, nil
}

// Apply runs the full pipeline: lock, plan, confirm, dispatch, commit,
// unlock. Unlock is attempted on every exit path.
func (r *Reconciler) Apply(ctx context.Context, targets []ServiceTarget, confirm ConfirmFunc) (*Result, error) {
	return r.run(ctx, targets, confirm, false)
}

// Destroy is Apply with an empty desired set for the selected scope; remote
// artifacts observed outside the state are removed as well. The workspace
// view is still consulted for observation so adopted and external artifacts
// are found.
func (r *Reconciler) Destroy(ctx context.Context, targets []ServiceTarget, confirm ConfirmFunc) (*Result, error) {
	return r.run(ctx, targets, confirm, true)
}

func (r *Reconciler) run(ctx context.Context, targets []ServiceTarget, confirm ConfirmFunc, destroy bool) (res *Result, err error) {
	operation := "apply"
	if destroy {
		operation = "destroy"
	}
	ctx, span := r.span(ctx, "reconcile."+operation)
	defer span.End()

	token, err := r.store.Lock(ctx, r.lockInfo(operation))
	if err != nil {
		return nil, err
	}
	defer func() {
		// Best-effort: the lock is released on every exit path, including
		// cancellation. The context may already be done, so detach it.
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if uerr := r.store.Unlock(unlockCtx, token); uerr != nil {
			r.logger.Error().Err(uerr).Str("lock_id", token).
				Msg("failed to release state lock, break it manually")
		}
	}()

	plan, doc, observed, err := r.plan(ctx, targets, false)
	if err != nil {
		return nil, err
	}
	if destroy {
		plan = destroyPlan(targets, doc, observed)
	}

	if !plan.HasChanges() {
		return &Result{Serial: doc.Serial}, nil
	}

	if confirm != nil {
		ok, err := confirm(plan)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &Result{Declined: true, Serial: doc.Serial}, nil
		}
	}

	res = r.dispatch(ctx, targets, plan, doc)

	if err := r.commit(ctx, doc); err != nil {
		return res, err
	}
	res.Serial = doc.Serial

	if res.Cancelled {
		return res, Errorf(KindCancelled, "reconciliation interrupted, %d operation(s) committed", len(res.Applied))
	}
	return res, nil
}

// destroyPlan emits a delete for every artifact known to exist for the scope:
// state entries plus anything observed remotely, whether tracked or not.
func destroyPlan(targets []ServiceTarget, doc *StateDoc, observed map[string]Observation) *Plan {
	out := &Plan{}
	for _, t := range targets {
		names := make(map[string][]byte)
		for name, content := range doc.Artifacts[t.ID] {
			names[name] = content
		}
		for name, artifact := range observed[t.ID] {
			names[name] = artifact
		}
		for name, content := range names {
			out.Ops = append(out.Ops, Operation{Kind: OpDelete, Service: t.ID, Detection: name, Prior: content})
		}
	}
	sortOps(out.Ops)
	return out
}

// dispatch executes the plan. Operations are partitioned by service: within a
// service they run sequentially, across services in parallel. Each success
// mutates the working state immediately, so partial progress is persisted.
func (r *Reconciler) dispatch(ctx context.Context, targets []ServiceTarget, plan *Plan, working *StateDoc) *Result {
	byService := make(map[string][]Operation)
	for _, op := range plan.Ops {
		byService[op.Service] = append(byService[op.Service], op)
	}
	settings := make(map[string]ServiceTarget, len(targets))
	for _, t := range targets {
		settings[t.ID] = t
	}

	res := &Result{}
	var mu sync.Mutex

	var wg sync.WaitGroup
	sem := make(chan struct{}, r.workers(len(byService)))

	for service, ops := range byService {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			target := settings[service]
			client, err := r.broker.ServiceClient(ctx, target.Plugin, target.Settings)
			if err != nil {
				mu.Lock()
				for _, op := range ops {
					res.Failed = append(res.Failed, OperationFailure{Operation: op, Err: err})
				}
				mu.Unlock()
				return
			}

			for _, op := range ops {
				if ctx.Err() != nil {
					mu.Lock()
					res.Cancelled = true
					res.Failed = append(res.Failed, OperationFailure{
						Operation: op,
						Err:       Errorf(KindCancelled, "operation skipped"),
					})
					mu.Unlock()
					continue
				}

				// The sandbox cannot interrupt an in-flight call; let it run
				// to completion on a detached context so a successful outcome
				// still lands in the working state.
				callCtx := context.WithoutCancel(ctx)
				err := r.execute(callCtx, client, op)

				mu.Lock()
				if err != nil {
					r.countError(op)
					res.Failed = append(res.Failed, OperationFailure{Operation: op, Err: wrap(err, op.Service, op.Detection)})
				} else {
					switch op.Kind {
					case OpDelete:
						working.RemoveArtifact(op.Service, op.Detection)
					default:
						working.SetArtifact(op.Service, op.Detection, op.Desired)
					}
					res.Applied = append(res.Applied, op)
				}
				mu.Unlock()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Await in-flight calls for the grace period, then force exit;
		// completed operations are already in the working state.
		select {
		case <-done:
		case <-time.After(r.GracePeriod):
			r.logger.Warn().Dur("grace", r.GracePeriod).
				Msg("grace period elapsed, abandoning in-flight plugin calls")
		}
		mu.Lock()
		res.Cancelled = true
		mu.Unlock()
	}

	return res
}

func (r *Reconciler) execute(ctx context.Context, client PluginClient, op Operation) error {
	start := time.Now()
	ctx, span := r.span(ctx, "plugin."+string(op.Kind))
	defer span.End()

	var err error
	switch op.Kind {
	case OpCreate:
		err = client.Create(ctx, op.Desired)
	case OpUpdate:
		err = client.Update(ctx, op.Desired)
	case OpDelete:
		content := op.Prior
		if content == nil {
			content = op.Desired
		}
		err = client.Delete(ctx, content)
	}

	status := "ok"
	if err != nil {
		status = "error"
		telemetry.RecordError(span, err)
	}
	if r.metrics != nil {
		r.metrics.RecordOperation(string(op.Kind), status, time.Since(start))
	}
	r.logger.Debug().
		Str("operation", string(op.Kind)).
		Str("service", op.Service).
		Str("detection", op.Detection).
		Str("status", status).
		Msg("operation dispatched")
	return err
}

// commit writes the working state. One retry, then the failure surfaces as
// KindStateCommitFailed; the deferred unlock in run still fires.
func (r *Reconciler) commit(ctx context.Context, doc *StateDoc) error {
	ctx, span := r.span(ctx, "reconcile.commit")
	defer span.End()

	err := r.store.Save(ctx, doc)
	if err == nil {
		if r.metrics != nil {
			r.metrics.RecordCommit(doc.Serial)
		}
		return nil
	}
	r.logger.Warn().Err(err).Msg("state commit failed, retrying once")

	if err = r.store.Save(ctx, doc); err != nil {
		telemetry.RecordError(span, err)
		return NewError(KindStateCommitFailed, "state commit failed after retry", err)
	}
	if r.metrics != nil {
		r.metrics.RecordCommit(doc.Serial)
	}
	return nil
}

func (r *Reconciler) lockInfo(operation string) LockInfo {
	who := "lgc"
	if u, err := user.Current(); err == nil {
		who = u.Username
	}
	if host, err := os.Hostname(); err == nil {
		who = fmt.Sprintf("%s@%s", who, host)
	}
	return LockInfo{
		ID:        uuid.NewString(),
		Operation: operation,
		Who:       who,
		Version:   r.Version,
		Created:   time.Now().UTC().Format(time.RFC3339),
	}
}

func (r *Reconciler) workers(services int) int {
	if r.Concurrency > 0 {
		return r.Concurrency
	}
	if services < 1 {
		return 1
	}
	return services
}

func (r *Reconciler) span(ctx context.Context, name string) (context.Context, telemetry.Span) {
	if r.tracer == nil {
		return ctx, telemetry.NoopSpan()
	}
	return r.tracer.Start(ctx, name)
}

func (r *Reconciler) countError(op Operation) {
	if r.metrics != nil {
		r.metrics.RecordOperationError(string(op.Kind))
	}
}

func wrap(err error, service, detection string) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Service == "" {
			e.Service = service
		}
		if e.Detection == "" {
			e.Detection = detection
		}
		return e
	}
	return &Error{Kind: KindPluginRuntime, Message: err.Error(), Service: service, Detection: detection, Err: err}
}
