package migration

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/modkernel/internal/platform/errors"
	kotel "github.com/louisbranch/modkernel/internal/platform/otel"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/dispatch"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/role"
	"github.com/louisbranch/modkernel/internal/services/kernel/storage"
)

var (
	// ErrAlreadyCompleted matches a run of a completed step. Callers treat
	// it as success.
	ErrAlreadyCompleted = apperrors.New(apperrors.CodeAlreadyCompleted, "migration step already completed")
	// ErrPrerequisiteMissing matches a run whose prerequisites are incomplete.
	ErrPrerequisiteMissing = apperrors.New(apperrors.CodePrerequisiteMissing, "migration prerequisite missing")
	// ErrUnauthorized matches migration operations without the required role.
	ErrUnauthorized = apperrors.New(apperrors.CodeUnauthorized, "unauthorized")
)

// StepState is the recorded progress of one step.
type StepState struct {
	Step      Step
	Completed bool
	Processed uint64
	UpdatedAt time.Time
}

// State is the progress of every step in run order.
type State struct {
	Steps []StepState
}

// Completed reports whether step is complete.
func (s State) Completed(step Step) bool {
	for _, st := range s.Steps {
		if st.Step == step {
			return st.Completed
		}
	}
	return false
}

// Complete reports whether all eight steps are complete.
func (s State) Complete() bool {
	if len(s.Steps) != len(order) {
		return false
	}
	for _, st := range s.Steps {
		if !st.Completed {
			return false
		}
	}
	return true
}

// Runner opens top-level invocations. *dispatch.Dispatcher satisfies it.
type Runner interface {
	Run(ctx context.Context, caller identity.Principal, fn func(ctx context.Context, s *dispatch.Session) error) error
}

// Roles is the slice of the role store migration depends on.
type Roles interface {
	HasAny(principal identity.Principal, ids ...role.ID) bool
}

// Config wires a Coordinator.
type Config struct {
	Runner Runner
	Roles  Roles
	Store  storage.MigrationStore
	// Bodies maps steps to their work. A step without a body completes with
	// zero records.
	Bodies map[Step]Body
}

// Coordinator runs migration steps.
type Coordinator struct {
	runner Runner
	roles  Roles
	store  storage.MigrationStore
	bodies map[Step]Body
	now    func() time.Time

	mu    sync.Mutex
	steps map[Step]StepState
}

// Load builds a Coordinator from persisted progress.
func Load(ctx context.Context, cfg Config) (*Coordinator, error) {
	if cfg.Runner == nil || cfg.Roles == nil || cfg.Store == nil {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "runner, roles and store are required")
	}
	records, err := cfg.Store.ListSteps(ctx)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		runner: cfg.Runner,
		roles:  cfg.Roles,
		store:  cfg.Store,
		bodies: make(map[Step]Body, len(cfg.Bodies)),
		now:    time.Now,
		steps:  make(map[Step]StepState, len(order)),
	}
	for step, body := range cfg.Bodies {
		c.bodies[step] = body
	}
	for _, step := range order {
		c.steps[step] = StepState{Step: step}
	}
	for _, rec := range records {
		step := Step(rec.Name)
		if !step.Valid() {
			log.Printf("migration: ignoring unknown persisted step %q", rec.Name)
			continue
		}
		c.steps[step] = StepState{Step: step, Completed: rec.Completed, Processed: rec.Processed, UpdatedAt: rec.UpdatedAt}
	}
	return c, nil
}

// Progress returns the state of every step in run order.
func (c *Coordinator) Progress() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := State{Steps: make([]StepState, 0, len(order))}
	for _, step := range order {
		state.Steps = append(state.Steps, c.steps[step])
	}
	return state
}

// IsComplete reports whether every step is complete.
func (c *Coordinator) IsComplete() bool {
	return c.Progress().Complete()
}

func (c *Coordinator) missing(step Step) []Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	var missing []Step
	for _, prereq := range prerequisites[step] {
		if !c.steps[prereq].Completed {
			missing = append(missing, prereq)
		}
	}
	return missing
}

func joinSteps(steps []Step) string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = string(s)
	}
	return strings.Join(names, ",")
}

// RunStep runs step as caller, who must hold OPERATOR or ADMIN. It returns
// the number of records processed. A completed step returns its recorded
// count with ErrAlreadyCompleted.
func (c *Coordinator) RunStep(ctx context.Context, caller identity.Principal, step Step) (uint64, error) {
	if !step.Valid() {
		return 0, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "unknown migration step",
			map[string]string{"step": string(step)})
	}
	var processed uint64
	err := c.runner.Run(ctx, caller, func(ctx context.Context, s *dispatch.Session) error {
		if !c.roles.HasAny(caller, role.Operator, role.Admin) {
			return apperrors.WithMetadata(apperrors.CodeUnauthorized, "unauthorized to run migration steps",
				map[string]string{"principal": caller.String()})
		}
		n, err := c.runLocked(ctx, step, s)
		processed = n
		return err
	})
	return processed, err
}

// runLocked runs inside an exclusive invocation.
func (c *Coordinator) runLocked(ctx context.Context, step Step, fwd Forwarder) (uint64, error) {
	meta := map[string]string{"step": string(step)}
	c.mu.Lock()
	current := c.steps[step]
	c.mu.Unlock()
	if current.Completed {
		return current.Processed, apperrors.WrapWithMetadata(apperrors.CodeAlreadyCompleted,
			"migration step "+string(step)+" already completed", meta, ErrAlreadyCompleted)
	}
	if missing := c.missing(step); len(missing) > 0 {
		return 0, apperrors.WrapWithMetadata(apperrors.CodePrerequisiteMissing,
			"migration step "+string(step)+" requires "+joinSteps(missing),
			map[string]string{"step": string(step), "missing": joinSteps(missing)},
			ErrPrerequisiteMissing)
	}

	ctx, span := kotel.Tracer().Start(ctx, "kernel.migration.step",
		trace.WithAttributes(attribute.String("kernel.migration.step", string(step))))
	defer span.End()

	var processed uint64
	if body, ok := c.bodies[step]; ok && body != nil {
		n, err := body.Run(ctx, step, fwd)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, string(apperrors.CodeOf(err)))
			log.Printf("migration: step %s failed after %d records: %v", step, n, err)
			return 0, err
		}
		processed = n
	}

	next := StepState{Step: step, Completed: true, Processed: processed, UpdatedAt: c.now().UTC()}
	if err := c.store.PutStep(ctx, storage.StepRecord{
		Name:      string(step),
		Completed: true,
		Processed: processed,
		UpdatedAt: next.UpdatedAt,
	}); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.steps[step] = next
	c.mu.Unlock()
	span.SetAttributes(attribute.Int64("kernel.migration.processed", int64(processed)))
	log.Printf("migration: step %s completed with %d records", step, processed)
	return processed, nil
}

// ResetStep marks step incomplete and clears its count. actor must hold
// ADMIN. Steps that depend on it keep their state. The caller holds the
// kernel gate.
func (c *Coordinator) ResetStep(ctx context.Context, actor identity.Principal, step Step) error {
	if !c.roles.HasAny(actor, role.Admin) {
		return apperrors.WithMetadata(apperrors.CodeUnauthorized, "unauthorized to reset migration steps",
			map[string]string{"principal": actor.String()})
	}
	if !step.Valid() {
		return apperrors.WithMetadata(apperrors.CodeInvalidArgument, "unknown migration step",
			map[string]string{"step": string(step)})
	}
	now := c.now().UTC()
	if err := c.store.PutStep(ctx, storage.StepRecord{Name: string(step), UpdatedAt: now}); err != nil {
		return err
	}
	c.mu.Lock()
	c.steps[step] = StepState{Step: step, UpdatedAt: now}
	c.mu.Unlock()
	log.Printf("migration: %s reset step %s", actor, step)
	return nil
}

// Outcome classifies one step in a batch run.
type Outcome string

// Batch outcomes.
const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeAlreadyCompleted Outcome = "already-completed"
	OutcomeBlocked          Outcome = "blocked"
	OutcomeFailed           Outcome = "failed"
)

// StepReport is the result of one step in a batch run.
type StepReport struct {
	Step      Step
	Outcome   Outcome
	Processed uint64
	Err       error
}

// Report is the result of RunAll in run order.
type Report []StepReport

// Failed reports whether any step failed or was blocked.
func (r Report) Failed() bool {
	for _, step := range r {
		if step.Outcome == OutcomeFailed || step.Outcome == OutcomeBlocked {
			return true
		}
	}
	return false
}

// RunAll runs every step in order. A failed step blocks the steps that
// depend on it but not the steps whose prerequisites are independently
// satisfied. It returns an error only when caller may not run migrations or
// ctx ends.
func (c *Coordinator) RunAll(ctx context.Context, caller identity.Principal) (Report, error) {
	report := make(Report, 0, len(order))
	for _, step := range order {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if missing := c.missing(step); len(missing) > 0 {
			report = append(report, StepReport{
				Step:    step,
				Outcome: OutcomeBlocked,
				Err: apperrors.WrapWithMetadata(apperrors.CodePrerequisiteMissing,
					"migration step "+string(step)+" requires "+joinSteps(missing),
					map[string]string{"step": string(step), "missing": joinSteps(missing)},
					ErrPrerequisiteMissing),
			})
			continue
		}
		n, err := c.RunStep(ctx, caller, step)
		switch {
		case err == nil:
			report = append(report, StepReport{Step: step, Outcome: OutcomeCompleted, Processed: n})
		case apperrors.CodeOf(err) == apperrors.CodeAlreadyCompleted:
			report = append(report, StepReport{Step: step, Outcome: OutcomeAlreadyCompleted, Processed: n})
		case apperrors.CodeOf(err) == apperrors.CodeUnauthorized:
			return report, err
		default:
			report = append(report, StepReport{Step: step, Outcome: OutcomeFailed, Err: err})
		}
	}
	return report, nil
}
