// ABOUTME: Runs one message loop per hosted tenant bot inside a single process
// ABOUTME: Start, stop, restore, credential rotation and deletion with per-tenant locking

package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/rewards-gateway/internal/store"
	"github.com/2389/rewards-gateway/internal/transport"
)

// ErrCredentialInvalid indicates the chat platform rejected a tenant credential.
var ErrCredentialInvalid = errors.New("credential invalid")

// ErrTenantNotFound indicates the tenant does not exist.
var ErrTenantNotFound = errors.New("tenant not found")

// ErrNotOwner indicates the caller does not own the tenant.
var ErrNotOwner = errors.New("not the tenant owner")

// ErrUnknownPlan indicates a hosting request named a plan that is not configured.
var ErrUnknownPlan = errors.New("unknown plan")

// ErrInvalidConfig indicates a tenant configuration update was rejected.
var ErrInvalidConfig = errors.New("invalid tenant config")

// Instance is what Start needs to bring a tenant online
type Instance struct {
	TenantID    string
	Credential  string
	DisplayName string
	OwnerID     string
}

// Plan caps a tenant's members and lifetime. DurationDays of zero never expires.
type Plan struct {
	MaxUsers     int
	DurationDays int
}

// Config tunes the manager
type Config struct {
	RestoreDelay        time.Duration
	ReconnectBaseDelay  time.Duration
	ReconnectMaxBackoff time.Duration
	Plans               map[string]Plan
}

// Store is the persistence the manager needs
type Store interface {
	CreateTenant(ctx context.Context, t *store.Tenant) error
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
	ListActiveTenants(ctx context.Context) ([]*store.Tenant, error)
	SetTenantActive(ctx context.Context, id string, active bool, now time.Time) error
	UpdateTenantCredential(ctx context.Context, id, credential, botUserID, displayName string, now time.Time) error
	UpdateTenantConfig(ctx context.Context, id string, cfg store.TenantConfig) error
	DeleteTenant(ctx context.Context, id string) error
}

// StatusListener is told when a tenant starts or stops serving
type StatusListener interface {
	TenantServing(tenantID string, serving bool)
}

// Running describes one live tenant loop
type Running struct {
	TenantID  string    `json:"tenant_id"`
	BotUserID string    `json:"bot_user_id"`
	StartedAt time.Time `json:"started_at"`
}

type handle struct {
	tenantID  string
	session   transport.Session
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// Manager owns every running tenant loop
type Manager struct {
	store      Store
	transport  transport.Transport
	dispatcher *Dispatcher
	cfg        Config
	listeners  []StatusListener
	observer   Observer
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.RWMutex
	handles map[string]*handle

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures a Manager
type Option func(*Manager)

// WithStatusListener adds a listener for serving changes
func WithStatusListener(l StatusListener) Option {
	return func(m *Manager) {
		m.listeners = append(m.listeners, l)
	}
}

// WithObserver sets the recorder for loop metrics
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager with no running tenants
func NewManager(s Store, tr transport.Transport, d *Dispatcher, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxBackoff < cfg.ReconnectBaseDelay {
		cfg.ReconnectMaxBackoff = cfg.ReconnectBaseDelay
	}

	m := &Manager{
		store:      s,
		transport:  tr,
		dispatcher: d,
		cfg:        cfg,
		observer:   nopObserver{},
		now:        time.Now,
		logger:     logger,
		handles:    make(map[string]*handle),
		locks:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) tenantLock(tenantID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tenantID] = l
	}
	return l
}

// connect probes credential. Every failure is reported as ErrCredentialInvalid.
func (m *Manager) connect(ctx context.Context, credential string) (transport.Session, error) {
	session, err := m.transport.Connect(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialInvalid, err)
	}
	return session, nil
}

// Start brings a tenant online, replacing any loop already running for it.
// A rejected credential returns ErrCredentialInvalid and leaves nothing running.
func (m *Manager) Start(ctx context.Context, inst Instance) error {
	lock := m.tenantLock(inst.TenantID)
	lock.Lock()
	defer lock.Unlock()

	m.stopLocked(ctx, inst.TenantID, false)

	session, err := m.connect(ctx, inst.Credential)
	if err != nil {
		m.logger.Warn("tenant credential rejected", "tenant_id", inst.TenantID, "error", err)
		return err
	}
	m.startLocked(ctx, inst, session)
	return nil
}

// startLocked launches the loop for a connected session. The tenant lock must be held.
func (m *Manager) startLocked(ctx context.Context, inst Instance, session transport.Session) {
	ident := session.Identity()
	displayName := inst.DisplayName
	if displayName == "" {
		displayName = ident.DisplayName
	}

	tc := &TenantContext{
		TenantID:    inst.TenantID,
		OwnerID:     inst.OwnerID,
		DisplayName: displayName,
		BotUserID:   ident.UserID,
		Session:     session,
		Logger:      m.logger.With("tenant_id", inst.TenantID),
	}

	// The loop outlives the request that started it
	loopCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		tenantID:  inst.TenantID,
		session:   session,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: m.now(),
	}

	m.mu.Lock()
	m.handles[inst.TenantID] = h
	total := len(m.handles)
	m.mu.Unlock()

	go m.run(loopCtx, h, tc)

	if err := m.store.SetTenantActive(ctx, inst.TenantID, true, m.now()); err != nil {
		m.logger.Warn("failed to persist tenant active flag", "tenant_id", inst.TenantID, "error", err)
	}
	m.notify(inst.TenantID, true)

	m.logger.Info("=== TENANT STARTED ===",
		"tenant_id", inst.TenantID,
		"bot_user_id", ident.UserID,
		"owner_id", inst.OwnerID,
		"total_running", total,
	)
}

// Stop takes a tenant offline and persists it as inactive.
// Returns false if the tenant was not running.
func (m *Manager) Stop(ctx context.Context, tenantID string) bool {
	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()
	return m.stopLocked(ctx, tenantID, true)
}

// stopLocked cancels the loop, waits for it to exit and closes the session.
// The tenant lock must be held.
func (m *Manager) stopLocked(ctx context.Context, tenantID string, persist bool) bool {
	m.mu.Lock()
	h, ok := m.handles[tenantID]
	if ok {
		delete(m.handles, tenantID)
	}
	total := len(m.handles)
	m.mu.Unlock()

	if !ok {
		return false
	}

	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		m.logger.Warn("tenant loop did not exit before deadline", "tenant_id", tenantID)
	}
	if err := h.session.Close(); err != nil {
		m.logger.Debug("closing session", "tenant_id", tenantID, "error", err)
	}

	if persist {
		if err := m.store.SetTenantActive(ctx, tenantID, false, m.now()); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("failed to persist tenant inactive flag", "tenant_id", tenantID, "error", err)
		}
	}
	m.notify(tenantID, false)

	m.logger.Info("=== TENANT STOPPED ===",
		"tenant_id", tenantID,
		"uptime", m.now().Sub(h.startedAt).Round(time.Second),
		"total_running", total,
	)
	return true
}

// Shutdown stops every loop without touching persisted active flags, so the
// next RestoreActive brings the same tenants back.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			lock := m.tenantLock(id)
			lock.Lock()
			defer lock.Unlock()
			m.stopLocked(ctx, id, false)
			return nil
		})
	}
	_ = g.Wait()
	m.logger.Info("all tenant loops stopped", "count", len(ids))
}

// RestoreActive starts every tenant persisted as active, one after another
// with the configured delay between starts. Failing tenants are skipped.
func (m *Manager) RestoreActive(ctx context.Context) (int, error) {
	tenants, err := m.store.ListActiveTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active tenants: %w", err)
	}

	started := 0
	for i, t := range tenants {
		if i > 0 && m.cfg.RestoreDelay > 0 {
			select {
			case <-ctx.Done():
				return started, ctx.Err()
			case <-time.After(m.cfg.RestoreDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return started, err
		}

		if err := m.Start(ctx, instanceOf(t)); err != nil {
			m.logger.Error("failed to restore tenant", "tenant_id", t.ID, "error", err)
			continue
		}
		started++
	}

	m.logger.Info("restored tenants", "started", started, "active", len(tenants))
	return started, nil
}

// CreateInstance registers a new hosted bot for ownerID and starts it.
func (m *Manager) CreateInstance(ctx context.Context, credential, ownerID, planName string) (*store.Tenant, error) {
	if planName == "" {
		planName = store.PlanFree
	}
	plan, ok := m.cfg.Plans[planName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, planName)
	}

	session, err := m.connect(ctx, credential)
	if err != nil {
		return nil, err
	}
	ident := session.Identity()

	now := m.now()
	t := &store.Tenant{
		ID:          uuid.New().String(),
		Credential:  credential,
		BotUserID:   ident.UserID,
		DisplayName: ident.DisplayName,
		OwnerID:     ownerID,
		Plan:        planName,
		Active:      true,
		MaxUsers:    plan.MaxUsers,
		CreatedAt:   now,
	}
	if plan.DurationDays > 0 {
		expires := now.AddDate(0, 0, plan.DurationDays)
		t.ExpiresAt = &expires
	}

	if err := m.store.CreateTenant(ctx, t); err != nil {
		_ = session.Close()
		return nil, err
	}

	lock := m.tenantLock(t.ID)
	lock.Lock()
	m.startLocked(ctx, instanceOf(t), session)
	lock.Unlock()

	return t, nil
}

// authorize loads the tenant and checks ownership. An empty ownerID acts as administrator.
func (m *Manager) authorize(ctx context.Context, tenantID, ownerID string) (*store.Tenant, error) {
	t, err := m.store.GetTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	if ownerID != "" && t.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	return t, nil
}

// UpdateCredential rotates a tenant's credential and restarts it. The new
// credential is probed before the running loop is touched.
func (m *Manager) UpdateCredential(ctx context.Context, tenantID, credential, ownerID string) (string, error) {
	t, err := m.authorize(ctx, tenantID, ownerID)
	if err != nil {
		return "", err
	}

	session, err := m.connect(ctx, credential)
	if err != nil {
		return "", err
	}
	ident := session.Identity()

	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	wasRunning := m.stopLocked(ctx, tenantID, false)

	if err := m.store.UpdateTenantCredential(ctx, tenantID, credential, ident.UserID, ident.DisplayName, m.now()); err != nil {
		_ = session.Close()
		if wasRunning {
			m.restartLocked(ctx, t)
		}
		return "", err
	}

	t.Credential = credential
	t.DisplayName = ident.DisplayName
	m.startLocked(ctx, instanceOf(t), session)

	return fmt.Sprintf("Credential updated. %s is running again.", ident.UserID), nil
}

// UpdateConfig replaces a tenant's mandatory rooms and welcome text. The
// dispatcher reloads the tenant per message, so a running loop picks the
// change up without a restart. Room ids are trimmed and deduplicated.
func (m *Manager) UpdateConfig(ctx context.Context, tenantID, ownerID string, cfg store.TenantConfig) (*store.Tenant, error) {
	t, err := m.authorize(ctx, tenantID, ownerID)
	if err != nil {
		return nil, err
	}

	rooms := make([]string, 0, len(cfg.MandatoryRooms))
	seen := make(map[string]bool, len(cfg.MandatoryRooms))
	for _, room := range cfg.MandatoryRooms {
		room = strings.TrimSpace(room)
		if room == "" {
			return nil, fmt.Errorf("%w: empty room id", ErrInvalidConfig)
		}
		if seen[room] {
			continue
		}
		seen[room] = true
		rooms = append(rooms, room)
	}
	cfg.MandatoryRooms = rooms

	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.UpdateTenantConfig(ctx, tenantID, cfg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	t.Config = cfg

	m.logger.Info("tenant config updated", "tenant_id", tenantID, "mandatory_rooms", len(rooms))
	return t, nil
}

// restartLocked brings a tenant back on its stored credential after a failed
// rotation. The tenant lock must be held.
func (m *Manager) restartLocked(ctx context.Context, t *store.Tenant) {
	session, err := m.connect(ctx, t.Credential)
	if err != nil {
		m.logger.Error("failed to restart tenant on previous credential", "tenant_id", t.ID, "error", err)
		return
	}
	m.startLocked(ctx, instanceOf(t), session)
}

// DeleteInstance stops a tenant and removes it with everything scoped to it.
func (m *Manager) DeleteInstance(ctx context.Context, tenantID, ownerID string) (string, error) {
	t, err := m.authorize(ctx, tenantID, ownerID)
	if err != nil {
		return "", err
	}

	// The lock entry stays in place: a caller already waiting on it must
	// keep excluding anyone who looks the tenant up afterwards.
	lock := m.tenantLock(tenantID)
	lock.Lock()
	m.stopLocked(ctx, tenantID, false)
	err = m.store.DeleteTenant(ctx, tenantID)
	lock.Unlock()
	if err != nil {
		return "", err
	}

	m.logger.Info("tenant deleted", "tenant_id", tenantID, "bot_user_id", t.BotUserID)
	return fmt.Sprintf("Bot %s was deleted.", t.BotUserID), nil
}

// SetActive starts or stops a tenant on behalf of its owner.
func (m *Manager) SetActive(ctx context.Context, tenantID, ownerID string, active bool) error {
	t, err := m.authorize(ctx, tenantID, ownerID)
	if err != nil {
		return err
	}
	if active {
		return m.Start(ctx, instanceOf(t))
	}
	if !m.Stop(ctx, tenantID) {
		return m.store.SetTenantActive(ctx, tenantID, false, m.now())
	}
	return nil
}

// IsRunning reports whether a loop is live for tenantID
func (m *Manager) IsRunning(tenantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handles[tenantID]
	return ok
}

// List returns the running tenants ordered by id
func (m *Manager) List() []Running {
	m.mu.RLock()
	out := make([]Running, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, Running{
			TenantID:  h.tenantID,
			BotUserID: h.session.Identity().UserID,
			StartedAt: h.startedAt,
		})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func (m *Manager) notify(tenantID string, serving bool) {
	for _, l := range m.listeners {
		l.TenantServing(tenantID, serving)
	}
}

func instanceOf(t *store.Tenant) Instance {
	return Instance{
		TenantID:    t.ID,
		Credential:  t.Credential,
		DisplayName: t.DisplayName,
		OwnerID:     t.OwnerID,
	}
}
