package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/newtron-network/labharness/pkg/expect"
	"github.com/newtron-network/labharness/pkg/store"
	"github.com/newtron-network/labharness/pkg/testbed"
	"github.com/newtron-network/labharness/pkg/util"
)

// LineClearer frees a terminal-server line.
type LineClearer interface {
	ForceCloseLine(ctx context.Context, termIP string, line int, password string) error
}

// Prober checks ICMP reachability.
type Prober interface {
	Check(ctx context.Context, host string) bool
	WaitReachable(ctx context.Context, host string, timeout, interval time.Duration) bool
}

// Options tunes retry and wait behavior. Zero fields take the defaults from
// DefaultOptions.
type Options struct {
	ConnectAttempts int
	ConnectBackoff  time.Duration

	EnableTimeout  time.Duration
	EnableInterval time.Duration

	// PromptTimeout bounds login prompts and optional reload confirmations.
	PromptTimeout        time.Duration
	ReloadConfirmTimeout time.Duration
	ReloadSettle         time.Duration
	ReachableTimeout     time.Duration
	ReachableInterval    time.Duration

	// Sleep waits between retries. It reports false when ctx ended first.
	Sleep func(ctx context.Context, d time.Duration) bool
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		ConnectAttempts:      3,
		ConnectBackoff:       60 * time.Second,
		EnableTimeout:        15 * time.Minute,
		EnableInterval:       60 * time.Second,
		PromptTimeout:        10 * time.Second,
		ReloadConfirmTimeout: 60 * time.Second,
		ReloadSettle:         180 * time.Second,
		ReachableTimeout:     15 * time.Minute,
		ReachableInterval:    45 * time.Second,
		Sleep:                util.Sleep,
	}
}

// WithTiming applies the testbed's timing overrides.
func (o Options) WithTiming(t testbed.Timing) Options {
	if t.ConnectAttempts > 0 {
		o.ConnectAttempts = t.ConnectAttempts
	}
	set := func(dst *time.Duration, v testbed.Duration) {
		if v > 0 {
			*dst = v.Std()
		}
	}
	set(&o.ConnectBackoff, t.ConnectBackoff)
	set(&o.EnableTimeout, t.EnableTimeout)
	set(&o.EnableInterval, t.EnableInterval)
	set(&o.ReloadSettle, t.ReloadSettle)
	set(&o.ReachableTimeout, t.ReachableTimeout)
	set(&o.ReachableInterval, t.ReachableEvery)
	return o
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = d.ConnectAttempts
	}
	fill := func(dst *time.Duration, def time.Duration) {
		if *dst <= 0 {
			*dst = def
		}
	}
	fill(&o.ConnectBackoff, d.ConnectBackoff)
	fill(&o.EnableTimeout, d.EnableTimeout)
	fill(&o.EnableInterval, d.EnableInterval)
	fill(&o.PromptTimeout, d.PromptTimeout)
	fill(&o.ReloadConfirmTimeout, d.ReloadConfirmTimeout)
	fill(&o.ReloadSettle, d.ReloadSettle)
	fill(&o.ReachableTimeout, d.ReachableTimeout)
	fill(&o.ReachableInterval, d.ReachableInterval)
	if o.Sleep == nil {
		o.Sleep = d.Sleep
	}
	return o
}

// Config wires a Manager's collaborators. Only Testbed and Connector are
// required.
type Config struct {
	Testbed   *testbed.Testbed
	Connector Connector
	Clearer   LineClearer
	Prober    Prober
	// APIReloader reloads devices whose reload method is "api".
	APIReloader APIReloader
	// ConsoleDial opens console sessions for scripted reloads.
	ConsoleDial expect.Dialer
	Options     Options

	// RunID and Sink publish multi-device reload results.
	RunID string
	Sink  store.ResultSink
}

type entry struct {
	state   State
	conn    Conn
	lastErr error
}

// Manager owns the connections to a testbed's devices. Connection handles
// are never shared outside the Manager except through Conn.
type Manager struct {
	tb        *testbed.Testbed
	connector Connector
	clearer   LineClearer
	prober    Prober
	api       APIReloader
	dial      expect.Dialer
	opts      Options
	runID     string
	sink      store.ResultSink

	mu      sync.Mutex
	devices map[string]*entry
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Testbed == nil {
		return nil, fmt.Errorf("device manager: testbed: %w", util.ErrMissingArgument)
	}
	if cfg.Connector == nil {
		return nil, fmt.Errorf("device manager: connector: %w", util.ErrMissingArgument)
	}
	dial := cfg.ConsoleDial
	if dial == nil {
		dial = expect.TelnetDialer
	}
	return &Manager{
		tb:        cfg.Testbed,
		connector: cfg.Connector,
		clearer:   cfg.Clearer,
		prober:    cfg.Prober,
		api:       cfg.APIReloader,
		dial:      dial,
		opts:      cfg.Options.withDefaults(),
		runID:     cfg.RunID,
		sink:      cfg.Sink,
		devices:   make(map[string]*entry),
	}, nil
}

// Options returns the effective options.
func (m *Manager) Options() Options { return m.opts }

func (m *Manager) entry(eid string) *entry {
	e, ok := m.devices[eid]
	if !ok {
		e = &entry{}
		m.devices[eid] = e
	}
	return e
}

func (m *Manager) setState(eid string, s State, conn Conn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(eid)
	e.state = s
	e.conn = conn
	e.lastErr = err
}

// State returns the device's connection state.
func (m *Manager) State(eid string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.devices[eid]; ok {
		return e.state
	}
	return Disconnected
}

// LastError returns the error that left the device Failed, if any.
func (m *Manager) LastError(eid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.devices[eid]; ok {
		return e.lastErr
	}
	return nil
}

// Conn returns the open connection for eid, or nil.
func (m *Manager) Conn(eid string) Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.devices[eid]; ok && e.state == Connected {
		return e.conn
	}
	return nil
}

// Disconnect closes the device's connection if there is one.
func (m *Manager) Disconnect(eid string) {
	m.mu.Lock()
	e, ok := m.devices[eid]
	var conn Conn
	if ok {
		conn = e.conn
		e.conn = nil
		e.state = Disconnected
	}
	m.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			util.WithDevice(eid).Debugf("close: %v", err)
		}
	}
}

// DisconnectAll closes every open connection.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	eids := make([]string, 0, len(m.devices))
	for eid := range m.devices {
		eids = append(eids, eid)
	}
	m.mu.Unlock()
	for _, eid := range eids {
		m.Disconnect(eid)
	}
}

// ConnectOptions selects devices and line handling for ConnectTestbed.
type ConnectOptions struct {
	// ClearLines frees the console line of console-reachable devices before
	// the first attempt.
	ClearLines bool
	// Devices limits the run to these EIDs; empty means every device.
	Devices []string
}

// ConnectReport lists the outcome per device.
type ConnectReport struct {
	Connected []string
	Failed    []string
	Errors    map[string]error
}

// OK reports whether every requested device connected.
func (r *ConnectReport) OK() bool { return len(r.Failed) == 0 }

// ConnectTestbed (re)connects the selected devices in order. A device that
// cannot be connected is listed in Failed; it never stops the others.
func (m *Manager) ConnectTestbed(ctx context.Context, opts ConnectOptions) *ConnectReport {
	report := &ConnectReport{Errors: make(map[string]error)}
	eids := opts.Devices
	if len(eids) == 0 {
		for _, d := range m.tb.Devices {
			eids = append(eids, d.EID)
		}
	}

	for _, eid := range eids {
		dev, ok := m.tb.Device(eid)
		if !ok {
			report.Failed = append(report.Failed, eid)
			report.Errors[eid] = fmt.Errorf("device %s: %w", eid, util.ErrNotFound)
			continue
		}
		if err := m.connectDevice(ctx, dev, opts.ClearLines); err != nil {
			report.Failed = append(report.Failed, eid)
			report.Errors[eid] = err
			continue
		}
		report.Connected = append(report.Connected, eid)
	}

	if len(report.Failed) > 0 {
		sort.Strings(report.Failed)
		util.WithOperation("connect").Errorf("devices failed to connect: %v", report.Failed)
	}
	return report
}

// Connect connects one device with the full retry policy.
func (m *Manager) Connect(ctx context.Context, eid string, clearLine bool) error {
	dev, ok := m.tb.Device(eid)
	if !ok {
		return fmt.Errorf("device %s: %w", eid, util.ErrNotFound)
	}
	return m.connectDevice(ctx, dev, clearLine)
}

func (m *Manager) connectDevice(ctx context.Context, dev *testbed.Device, clearLine bool) error {
	log := util.WithDevice(dev.EID).WithField("operation", "connect")
	m.Disconnect(dev.EID)
	m.setState(dev.EID, Connecting, nil, nil)

	consoleLine := dev.Kind == testbed.KindConsoleReach && dev.Console != nil
	if clearLine && consoleLine {
		m.clearLine(ctx, dev)
	}

	var lastErr error
	for attempt := 1; attempt <= m.opts.ConnectAttempts; attempt++ {
		conn, err := m.connector.Connect(ctx, dev)
		if err == nil {
			m.setState(dev.EID, Connected, conn, nil)
			log.Infof("connected on attempt %d", attempt)
			return nil
		}
		lastErr = err
		log.Warnf("attempt %d/%d failed: %v", attempt, m.opts.ConnectAttempts, err)

		if attempt == m.opts.ConnectAttempts {
			break
		}
		if !m.opts.Sleep(ctx, m.opts.ConnectBackoff) {
			lastErr = fmt.Errorf("%w (after: %v)", ctx.Err(), lastErr)
			break
		}
		// A stuck session on the line never lets go by itself.
		if consoleLine {
			m.clearLine(ctx, dev)
		}
	}

	err := util.NewDeviceError("connect", dev.EID, lastErr)
	m.setState(dev.EID, Failed, nil, err)
	return err
}

func (m *Manager) clearLine(ctx context.Context, dev *testbed.Device) {
	if m.clearer == nil || dev.Console == nil {
		return
	}
	c := dev.Console
	if err := m.clearer.ForceCloseLine(ctx, c.TermServer, c.Line, c.Password); err != nil {
		util.WithDevice(dev.EID).Warnf("clearing console line %s/%d: %v", c.TermServer, c.Line, err)
	}
}

// EnableResult reports whether the device reached privileged mode and
// answered its liveness command.
type EnableResult struct {
	EID       string
	Available bool
	Attempts  int
	Output    string
	Err       error
}

// EnableDevice retries privilege escalation plus the liveness command until
// it succeeds or EnableTimeout passes, reconnecting between tries.
func (m *Manager) EnableDevice(ctx context.Context, eid string) EnableResult {
	res := EnableResult{EID: eid}
	dev, ok := m.tb.Device(eid)
	if !ok {
		res.Err = fmt.Errorf("device %s: %w", eid, util.ErrNotFound)
		return res
	}
	log := util.WithDevice(eid).WithField("operation", "enable")
	deadline := time.Now().Add(m.opts.EnableTimeout)

	for {
		res.Attempts++
		out, err := m.tryEnable(ctx, dev)
		if err == nil {
			res.Available = true
			res.Output = out
			res.Err = nil
			log.Infof("available after %d attempt(s)", res.Attempts)
			return res
		}
		res.Err = err
		log.Warnf("attempt %d: %v", res.Attempts, err)
		m.Disconnect(eid)

		if !time.Now().Add(m.opts.EnableInterval).Before(deadline) {
			break
		}
		if !m.opts.Sleep(ctx, m.opts.EnableInterval) {
			res.Err = ctx.Err()
			break
		}
	}
	log.Errorf("not available after %s (%d attempts): %v", m.opts.EnableTimeout, res.Attempts, res.Err)
	return res
}

func (m *Manager) tryEnable(ctx context.Context, dev *testbed.Device) (string, error) {
	conn := m.Conn(dev.EID)
	if conn == nil {
		var err error
		conn, err = m.connector.Connect(ctx, dev)
		if err != nil {
			m.setState(dev.EID, Failed, nil, err)
			return "", fmt.Errorf("reconnect: %w", err)
		}
		m.setState(dev.EID, Connected, conn, nil)
	}
	if err := conn.Enable(ctx); err != nil {
		return "", err
	}
	out, err := conn.Exec(ctx, dev.Liveness())
	if err != nil {
		return "", fmt.Errorf("liveness %q: %w", dev.Liveness(), err)
	}
	return out, nil
}
