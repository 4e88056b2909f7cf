package sla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/maintflow/internal/events"
	"github.com/pitabwire/maintflow/internal/observability"
	"github.com/pitabwire/maintflow/model"
)

// OpenInstances lists instances that still accept transitions.
type OpenInstances interface {
	FindOpen(ctx context.Context, limit int) ([]model.WorkflowInstance, error)
}

// Definitions looks up the definition an instance runs on.
type Definitions interface {
	Get(tenantID, id string) (*model.WorkflowDefinition, bool)
}

// Breach is an open instance found past its state's time limit.
type Breach struct {
	TenantID     string
	DefinitionID string
	InstanceID   string
	StateID      string
	Version      int
	ElapsedHours float64
	LimitHours   float64
}

// Report summarises one scan.
type Report struct {
	Scanned  int
	Overdue  int
	Breaches []Breach // newly reported in this scan
}

// Monitor periodically scans open instances, keeps the overdue gauge current
// and publishes one sla.breached event per instance snapshot that goes
// overdue.
type Monitor struct {
	instances OpenInstances
	defs      Definitions
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	schedule  string
	scanSize  int
	now       func() time.Time

	mu       sync.Mutex
	reported map[string]int // instance ID -> version already reported
	cron     *cron.Cron
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithSchedule sets the cron spec of the scan. Defaults to "@every 1m".
func WithSchedule(spec string) MonitorOption {
	return func(m *Monitor) { m.schedule = spec }
}

// WithScanSize bounds the number of instances read per scan.
func WithScanSize(n int) MonitorOption {
	return func(m *Monitor) { m.scanSize = n }
}

// WithPublisher sets where breach events go.
func WithPublisher(p events.Publisher) MonitorOption {
	return func(m *Monitor) { m.publisher = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics = metrics }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor over the given instance and definition sources.
func NewMonitor(instances OpenInstances, defs Definitions, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		instances: instances,
		defs:      defs,
		publisher: events.Nop{},
		logger:    zap.NewNop(),
		schedule:  "@every 1m",
		scanSize:  1000,
		now:       func() time.Time { return time.Now().UTC() },
		reported:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Scan checks every open instance once. Breach events are published at most
// once per instance version; an instance that moves on and goes overdue again
// is reported again.
func (m *Monitor) Scan(ctx context.Context) (Report, error) {
	start := time.Now()
	defer func() { m.metrics.RecordSLAScan(time.Since(start)) }()

	open, err := m.instances.FindOpen(ctx, m.scanSize)
	if err != nil {
		return Report{}, fmt.Errorf("find open instances: %w", err)
	}

	now := m.now()
	report := Report{Scanned: len(open)}
	overdueByTenant := make(map[string]int)
	seen := make(map[string]bool, len(open))

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inst := range open {
		def, ok := m.defs.Get(inst.TenantID, inst.DefinitionID)
		if !ok {
			m.logger.Warn("sla scan: definition missing",
				zap.String("instance_id", inst.ID),
				zap.String("definition_id", inst.DefinitionID),
			)
			continue
		}
		st := Compute(inst, def, now)
		if !st.Overdue {
			continue
		}

		report.Overdue++
		overdueByTenant[inst.TenantID]++
		seen[inst.ID] = true

		if v, ok := m.reported[inst.ID]; ok && v == inst.Version {
			continue
		}
		m.reported[inst.ID] = inst.Version

		b := Breach{
			TenantID:     inst.TenantID,
			DefinitionID: inst.DefinitionID,
			InstanceID:   inst.ID,
			StateID:      inst.CurrentStateID,
			Version:      inst.Version,
			ElapsedHours: st.ElapsedHours,
			LimitHours:   st.LimitHours,
		}
		report.Breaches = append(report.Breaches, b)
		m.announce(ctx, b, now)
	}

	// Forget instances that are no longer overdue.
	for id := range m.reported {
		if !seen[id] {
			delete(m.reported, id)
		}
	}

	m.metrics.SetSLAOverdue(overdueByTenant)
	return report, nil
}

func (m *Monitor) announce(ctx context.Context, b Breach, now time.Time) {
	m.metrics.RecordSLABreach(b.DefinitionID, b.StateID)

	err := m.publisher.Publish(ctx, events.Event{
		Type:         events.TypeSLABreached,
		TenantID:     b.TenantID,
		DefinitionID: b.DefinitionID,
		InstanceID:   b.InstanceID,
		ToStateID:    b.StateID,
		Version:      b.Version,
		ElapsedHours: b.ElapsedHours,
		LimitHours:   b.LimitHours,
		OccurredAt:   now,
	})
	m.metrics.RecordEventPublished(events.TypeSLABreached, err)

	fields := []zap.Field{
		zap.String("tenant_id", b.TenantID),
		zap.String("instance_id", b.InstanceID),
		zap.String("state_id", b.StateID),
		zap.Float64("elapsed_hours", b.ElapsedHours),
		zap.Float64("limit_hours", b.LimitHours),
	}
	if err != nil {
		m.logger.Error("publish sla breach", append(fields, zap.Error(err))...)
		return
	}
	m.logger.Warn("sla breached", fields...)
}

// Start schedules the scan. Runs never overlap; a panicking scan is
// recovered and logged.
func (m *Monitor) Start(ctx context.Context) error {
	logger := cronLogger{m.logger.Sugar()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
	)
	if _, err := c.AddFunc(m.schedule, func() { m.run(ctx) }); err != nil {
		return fmt.Errorf("schedule sla scan %q: %w", m.schedule, err)
	}

	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()

	c.Start()
	m.logger.Info("sla monitor started", zap.String("schedule", m.schedule), zap.Int("scan_size", m.scanSize))
	return nil
}

// Stop halts scheduling and waits for a running scan to finish or ctx to end.
func (m *Monitor) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (m *Monitor) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := m.Scan(ctx)
	if err != nil {
		m.logger.Error("sla scan failed", zap.Error(err))
		return
	}
	m.logger.Debug("sla scan complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("overdue", report.Overdue),
		zap.Int("new_breaches", len(report.Breaches)),
	)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
