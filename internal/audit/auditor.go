// Package audit tracks every multi-step capital operation as a step with
// named validations. It is a ledger and circuit breaker, not a transaction
// system: it cannot undo anything, it can only refuse to let the loops keep
// acting after a required validation failed.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type StepName string

const (
	StepCapitalAllocation  StepName = "CAPITAL_ALLOCATION"
	StepAssetConversion    StepName = "ASSET_CONVERSION"
	StepCapitalTransfer    StepName = "CAPITAL_TRANSFER"
	StepPositionDeployment StepName = "POSITION_DEPLOYMENT"
	StepPositionClose      StepName = "POSITION_CLOSE"
	StepRebalance          StepName = "REBALANCE"
)

// requiredValidations must all run and pass before CompleteStep may report
// success for the step. A missing or failed one escalates to a critical
// failure regardless of the caller's claimed outcome.
var requiredValidations = map[StepName][]string{
	StepCapitalAllocation:  {"deficit_reduced"},
	StepAssetConversion:    {"balance_increase_verified"},
	StepCapitalTransfer:    {"transfer_verified"},
	StepPositionDeployment: {"sizing", "hedge_verified"},
	StepPositionClose:      {"futures_leg_closed"},
	StepRebalance:          nil,
}

type Validation struct {
	Success   bool
	Timestamp time.Time
	Data      map[string]any
}

type Step struct {
	Name        StepName
	StartTime   time.Time
	Context     map[string]any
	Validations map[string]Validation
	Completed   bool
	Success     bool
	CompletedAt time.Time
}

// Auditor keeps one active step per step name plus a bounded in-memory log of
// completed steps. Completed steps are also appended to the persistent store
// when one is configured.
type Auditor struct {
	log           *zap.Logger
	breakerWindow time.Duration
	ledgerBound   int
	now           func() time.Time
	persist       *ledgerStore

	// Notify, when set, receives every critical failure.
	Notify func(step Step, reason string)
	// OnComplete, when set, receives every completed step with its effective
	// outcome.
	OnComplete func(step Step)

	mu           sync.Mutex
	active       map[StepName]*Step
	completed    []Step
	lastCritical time.Time
	hasCritical  bool
}

type Option func(*Auditor)

// WithClock injects a time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(a *Auditor) { a.now = now }
}

// WithPersistence appends completed steps through the given store.
func WithPersistence(store RecordStore) Option {
	return func(a *Auditor) { a.persist = newLedgerStore(store) }
}

func New(breakerWindow time.Duration, ledgerBound int, log *zap.Logger, opts ...Option) *Auditor {
	if breakerWindow <= 0 {
		breakerWindow = 5 * time.Minute
	}
	if ledgerBound <= 0 {
		ledgerBound = 200
	}
	a := &Auditor{
		log:           log,
		breakerWindow: breakerWindow,
		ledgerBound:   ledgerBound,
		now:           time.Now,
		active:        make(map[StepName]*Step),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// StartStep opens a step. An unfinished step with the same name is discarded
// as a critical failure first: losing track of an in-flight capital operation
// is exactly what the breaker exists for.
func (a *Auditor) StartStep(name StepName, context map[string]any) {
	a.mu.Lock()
	abandoned := a.active[name]
	step := &Step{
		Name:        name,
		StartTime:   a.now(),
		Context:     context,
		Validations: make(map[string]Validation),
	}
	a.active[name] = step
	a.mu.Unlock()
	if abandoned != nil {
		a.escalate(*abandoned, "step restarted before completion")
	}
}

// Validate records one named check against the active step.
func (a *Auditor) Validate(name StepName, validation string, success bool, data map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	step, ok := a.active[name]
	if !ok {
		a.log.Warn("validation for inactive step",
			zap.String("step", string(name)), zap.String("validation", validation))
		return
	}
	step.Validations[validation] = Validation{
		Success:   success,
		Timestamp: a.now(),
		Data:      data,
	}
}

// CompleteStep closes the active step. The returned value is the effective
// outcome: false unless the caller claimed success and every required
// validation ran and passed. The cross-check runs regardless of the claimed
// outcome; a missing or failed required validation is a critical failure
// either way, because the capital the step touched is in an unverified state
// no matter how honestly that was reported.
func (a *Auditor) CompleteStep(name StepName, success bool) bool {
	a.mu.Lock()
	step, ok := a.active[name]
	if !ok {
		a.mu.Unlock()
		a.log.Warn("completing inactive step", zap.String("step", string(name)))
		return false
	}
	delete(a.active, name)

	reason := ""
	for _, required := range requiredValidations[name] {
		v, ran := step.Validations[required]
		if !ran {
			reason = fmt.Sprintf("required validation %q did not run", required)
			break
		}
		if !v.Success {
			reason = fmt.Sprintf("required validation %q failed", required)
			break
		}
	}
	step.Completed = true
	step.Success = success && reason == ""
	step.CompletedAt = a.now()
	a.appendLocked(*step)
	done := *step
	a.mu.Unlock()

	if reason != "" {
		a.escalate(done, reason)
	}
	if a.OnComplete != nil {
		a.OnComplete(done)
	}
	return done.Success
}

// SafeToProceed is the circuit breaker: false while a critical failure is
// inside the breaker window. The loops must consult it before any
// capital-moving action.
func (a *Auditor) SafeToProceed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hasCritical {
		return true
	}
	return a.now().Sub(a.lastCritical) >= a.breakerWindow
}

// CompletedSteps returns a copy of the in-memory log, oldest first.
func (a *Auditor) CompletedSteps() []Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Step, len(a.completed))
	copy(out, a.completed)
	return out
}

// PersistedRecords loads the durable ledger, oldest first.
func (a *Auditor) PersistedRecords(ctx context.Context) ([]Record, error) {
	if a.persist == nil {
		return nil, nil
	}
	return a.persist.load(ctx)
}

func (a *Auditor) appendLocked(step Step) {
	a.completed = append(a.completed, step)
	if len(a.completed) > a.ledgerBound {
		// keep the newest half; the persistent ledger has the rest
		keep := a.ledgerBound / 2
		a.completed = append([]Step(nil), a.completed[len(a.completed)-keep:]...)
	}
	if a.persist != nil {
		if err := a.persist.append(step); err != nil {
			a.log.Warn("audit record persist failed", zap.Error(err))
		}
	}
}

func (a *Auditor) escalate(step Step, reason string) {
	a.mu.Lock()
	a.lastCritical = a.now()
	a.hasCritical = true
	notify := a.Notify
	a.mu.Unlock()
	a.log.Error("critical workflow failure",
		zap.String("step", string(step.Name)),
		zap.String("reason", reason),
		zap.Any("context", step.Context),
	)
	if notify != nil {
		notify(step, reason)
	}
}
