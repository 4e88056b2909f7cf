package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/maintflow/internal/definition"
	"github.com/pitabwire/maintflow/internal/events"
	"github.com/pitabwire/maintflow/internal/observability"
	"github.com/pitabwire/maintflow/internal/sla"
	"github.com/pitabwire/maintflow/model"
)

const defaultLockTTL = 10 * time.Second

// Engine is the instance service: it loads definitions and instances, asks
// the Runtime for the next snapshot, and persists, publishes and records the
// outcome. At most one transition per instance is in flight at a time.
type Engine struct {
	registry  *definition.Registry
	store     WorkflowStore
	runtime   *Runtime
	roles     model.RoleResolver
	locker    Locker
	lockTTL   time.Duration
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker sets the per-instance locker. Defaults to a MemoryLocker.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(e *Engine) {
		e.locker = l
		if ttl > 0 {
			e.lockTTL = ttl
		}
	}
}

// WithPublisher sets the event publisher. Defaults to events.Nop.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the fallback logger used when the request carries none.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides how instance IDs are minted.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// NewEngine creates a new workflow engine.
func NewEngine(
	registry *definition.Registry,
	store WorkflowStore,
	runtime *Runtime,
	roles model.RoleResolver,
	opts ...Option,
) *Engine {
	e := &Engine{
		registry:  registry,
		store:     store,
		runtime:   runtime,
		roles:     roles,
		locker:    NewMemoryLocker(),
		lockTTL:   defaultLockTTL,
		publisher: events.Nop{},
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartInput carries the caller-supplied parts of a new instance.
type StartInput struct {
	Data             map[string]any
	AssignedTo       string
	StartImmediately bool
}

// ListFilters narrows an instance listing. Actionable keeps only instances
// whose current state the caller may act on.
type ListFilters struct {
	DefinitionID string
	Status       string
	AssignedTo   string
	Actionable   bool
	Limit        int
	Offset       int
}

// Start creates a new instance of an ACTIVE definition.
func (e *Engine) Start(ctx context.Context, rctx *model.RequestContext, definitionID string, in StartInput) (_ model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrDefinitionID.String(definitionID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Look up the definition within the caller's tenant.
	def, ok := e.registry.Get(rctx.TenantID, definitionID)
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", definitionID),
		)
	}

	// 2. Resolve the actor.
	actor, err := e.actor(rctx)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	// 3. Build the initial snapshot.
	out, err := e.runtime.Create(def, CreateRequest{
		InstanceID:       e.newID(),
		TenantID:         rctx.TenantID,
		Actor:            actor,
		Data:             in.Data,
		AssignedTo:       in.AssignedTo,
		StartImmediately: in.StartImmediately,
	}, e.now())
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	// 4. Persist instance and creation entry together.
	if err := e.store.Create(ctx, out.Instance, out.Audit); err != nil {
		return model.WorkflowInstance{}, err
	}

	// 5. Announce.
	e.metrics.RecordInstanceCreated(def.ID)
	e.publish(ctx, events.Event{
		Type:         events.TypeInstanceCreated,
		TenantID:     out.Instance.TenantID,
		DefinitionID: def.ID,
		InstanceID:   out.Instance.ID,
		ToStateID:    out.Instance.CurrentStateID,
		Status:       out.Instance.Status,
		ActorID:      actor.ID,
		Version:      out.Instance.Version,
		OccurredAt:   out.Audit.Timestamp,
	})
	observability.RequestLogger(ctx, e.logger).Info("workflow instance created",
		zap.String("instance_id", out.Instance.ID),
		zap.String("definition_id", def.ID),
		zap.String("state_id", out.Instance.CurrentStateID),
	)

	return out.Instance, nil
}

// Transition attempts transitionID on the instance on behalf of the caller.
func (e *Engine) Transition(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	transitionID string,
	payload model.TransitionPayload,
) (_ model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.transition",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrInstanceID.String(instanceID),
		observability.AttrTransitionID.String(transitionID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	started := time.Now()

	// 1. Serialize writers on this instance.
	unlock, err := e.lock(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	defer e.unlock(ctx, unlock, instanceID)

	// 2. Load the instance (tenant-scoped) and its definition.
	inst, def, err := e.load(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	span.SetAttributes(observability.AttrDefinitionID.String(def.ID))

	// 3. Resolve the actor.
	actor, err := e.actor(rctx)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	// 4. Apply.
	out, err := e.runtime.AttemptTransition(def, inst, transitionID, actor, payload, e.now())
	if err != nil {
		code := model.CodeOf(err)
		e.metrics.RecordTransitionRejected(def.ID, code)
		observability.RequestLogger(ctx, e.logger).Warn("transition rejected",
			zap.String("instance_id", instanceID),
			zap.String("transition_id", transitionID),
			zap.String("state_id", inst.CurrentStateID),
			zap.String("code", code),
		)
		return model.WorkflowInstance{}, err
	}

	// 5. Persist with CAS on the version.
	if err := e.store.Update(ctx, out.Instance, out.Audit); err != nil {
		return model.WorkflowInstance{}, err
	}

	// 6. Announce.
	e.metrics.RecordTransition(def.ID, transitionID, out.Instance.Status, time.Since(started))
	e.publish(ctx, events.Event{
		Type:         events.TypeInstanceTransitioned,
		TenantID:     out.Instance.TenantID,
		DefinitionID: def.ID,
		InstanceID:   out.Instance.ID,
		TransitionID: transitionID,
		FromStateID:  out.Audit.FromStateID,
		ToStateID:    out.Audit.ToStateID,
		Status:       out.Instance.Status,
		ActorID:      actor.ID,
		Version:      out.Instance.Version,
		Remark:       out.Audit.Remark,
		OccurredAt:   out.Audit.Timestamp,
	})
	observability.RequestLogger(ctx, e.logger).Info("transition applied",
		zap.String("instance_id", instanceID),
		zap.String("transition_id", transitionID),
		zap.String("from_state_id", out.Audit.FromStateID),
		zap.String("to_state_id", out.Audit.ToStateID),
		zap.String("status", out.Instance.Status),
		zap.Int("version", out.Instance.Version),
	)
	if len(payload.Data) > 0 {
		observability.RequestLogger(ctx, e.logger).Debug("transition data merged",
			zap.String("instance_id", instanceID),
			zap.Any("data", observability.RedactData(payload.Data, nil)),
		)
	}

	return out.Instance, nil
}

// Cancel closes an open instance. Only administrators may cancel.
func (e *Engine) Cancel(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (_ model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.cancel",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	unlock, err := e.lock(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	defer e.unlock(ctx, unlock, instanceID)

	inst, def, err := e.load(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	actor, err := e.actor(rctx)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	out, err := e.runtime.Cancel(inst, actor, reason, e.now())
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	if err := e.store.Update(ctx, out.Instance, out.Audit); err != nil {
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordInstanceCancelled(def.ID)
	e.publish(ctx, events.Event{
		Type:         events.TypeInstanceCancelled,
		TenantID:     out.Instance.TenantID,
		DefinitionID: def.ID,
		InstanceID:   out.Instance.ID,
		FromStateID:  out.Audit.FromStateID,
		Status:       out.Instance.Status,
		ActorID:      actor.ID,
		Version:      out.Instance.Version,
		Remark:       reason,
		OccurredAt:   out.Audit.Timestamp,
	})
	observability.RequestLogger(ctx, e.logger).Info("workflow instance cancelled",
		zap.String("instance_id", instanceID),
		zap.String("state_id", inst.CurrentStateID),
	)

	return out.Instance, nil
}

// Get returns the detail view of an instance for the caller: its current
// state, the transitions leaving it, whether the caller may act, its SLA
// position and its history.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.InstanceDescriptor, error) {
	inst, def, err := e.load(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.InstanceDescriptor{}, err
	}

	actor, err := e.actor(rctx)
	if err != nil {
		return model.InstanceDescriptor{}, err
	}

	history, err := e.store.History(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.InstanceDescriptor{}, err
	}

	desc := model.InstanceDescriptor{
		Instance:    inst,
		Definition:  def.Summary(),
		CanAct:      e.runtime.CanAct(def, inst, actor.Roles),
		Transitions: e.runtime.Available(def, inst, actor.Roles),
		SLA:         sla.Compute(inst, def, e.now()),
		History:     history,
	}
	if s := def.StateByID(inst.CurrentStateID); s != nil {
		desc.State = *s
	}
	if desc.Transitions == nil {
		desc.Transitions = []model.AvailableTransition{}
	}
	return desc, nil
}

// SLA returns the SLA position of an instance in its current state.
func (e *Engine) SLA(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.SLAStatus, error) {
	inst, def, err := e.load(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.SLAStatus{}, err
	}
	return sla.Compute(inst, def, e.now()), nil
}

// History returns the audit trail of an instance, oldest first.
func (e *Engine) History(ctx context.Context, rctx *model.RequestContext, instanceID string) ([]model.AuditEntry, error) {
	return e.store.History(ctx, rctx.TenantID, instanceID)
}

// List returns summaries of the caller's tenant's instances.
func (e *Engine) List(ctx context.Context, rctx *model.RequestContext, filters ListFilters) ([]model.InstanceSummary, error) {
	storeFilters := WorkflowFilters{
		DefinitionID: filters.DefinitionID,
		Status:       filters.Status,
		AssignedTo:   filters.AssignedTo,
		Limit:        filters.Limit,
		Offset:       filters.Offset,
	}
	// The actionable filter runs after the store, so page after filtering.
	if filters.Actionable {
		storeFilters.Limit, storeFilters.Offset = 0, 0
	}

	instances, err := e.store.List(ctx, rctx.TenantID, storeFilters)
	if err != nil {
		return nil, err
	}

	var roles model.RoleSet
	if filters.Actionable {
		actor, err := e.actor(rctx)
		if err != nil {
			return nil, err
		}
		roles = actor.Roles
	}

	now := e.now()
	summaries := make([]model.InstanceSummary, 0, len(instances))
	for _, inst := range instances {
		def, ok := e.registry.Get(inst.TenantID, inst.DefinitionID)
		if filters.Actionable && (!ok || !e.runtime.CanAct(def, inst, roles)) {
			continue
		}
		summaries = append(summaries, summarize(inst, def, now))
	}

	if filters.Actionable {
		summaries = page(summaries, filters.Offset, filters.Limit)
	}
	return summaries, nil
}

func summarize(inst model.WorkflowInstance, def *model.WorkflowDefinition, now time.Time) model.InstanceSummary {
	s := model.InstanceSummary{
		ID:             inst.ID,
		DefinitionID:   inst.DefinitionID,
		CurrentStateID: inst.CurrentStateID,
		Status:         inst.Status,
		AssignedTo:     inst.AssignedTo,
		CreatedAt:      inst.CreatedAt,
		UpdatedAt:      inst.UpdatedAt,
	}
	if def != nil {
		s.Name = def.Name
		if st := def.StateByID(inst.CurrentStateID); st != nil {
			s.CurrentState = st.Name
		}
		s.Overdue = !inst.IsClosed() && sla.Compute(inst, def, now).Overdue
	}
	return s
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// load fetches a tenant's instance and the definition it runs on.
func (e *Engine) load(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, *model.WorkflowDefinition, error) {
	inst, err := e.store.Get(ctx, tenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, nil, err
	}
	def, ok := e.registry.Get(inst.TenantID, inst.DefinitionID)
	if !ok {
		return model.WorkflowInstance{}, nil, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", inst.DefinitionID),
		)
	}
	return inst, def, nil
}

func (e *Engine) actor(rctx *model.RequestContext) (model.Actor, error) {
	if e.roles == nil {
		return rctx.Actor(nil), nil
	}
	resolved, err := e.roles.Resolve(rctx)
	if err != nil {
		return model.Actor{}, fmt.Errorf("resolve roles: %w", err)
	}
	return rctx.Actor(resolved), nil
}

func (e *Engine) lock(ctx context.Context, instanceID string) (UnlockFunc, error) {
	start := time.Now()
	unlock, err := e.locker.Lock(ctx, "instance:"+instanceID, e.lockTTL)
	e.metrics.RecordLockWait(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("lock instance %q: %w", instanceID, err)
	}
	return unlock, nil
}

func (e *Engine) unlock(ctx context.Context, unlock UnlockFunc, instanceID string) {
	// Release even if the request context is already done.
	if err := unlock(context.WithoutCancel(ctx)); err != nil {
		e.logger.Error("release instance lock", zap.String("instance_id", instanceID), zap.Error(err))
	}
}

// publish delivers an event. Delivery failures are logged and counted; the
// state change they describe is already committed.
func (e *Engine) publish(ctx context.Context, ev events.Event) {
	err := e.publisher.Publish(ctx, ev)
	e.metrics.RecordEventPublished(ev.Type, err)
	if err != nil {
		observability.RequestLogger(ctx, e.logger).Error("publish event",
			zap.String("event_type", ev.Type),
			zap.String("instance_id", ev.InstanceID),
			zap.Error(err),
		)
	}
}
