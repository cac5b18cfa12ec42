// Package credentials holds per-workspace installation tokens with rotation
// support. A rotated-out token stays valid for a grace window so that
// in-flight webhooks signed with it still verify.
package credentials

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"webhook-rules/internal/common/logging"
)

const (
	DefaultTTL   = 24 * time.Hour
	DefaultGrace = 15 * time.Minute

	persistenceTimeout = 2 * time.Second
)

// Config controls token lifetimes
type Config struct {
	TTL   time.Duration
	Grace time.Duration
	// Now overrides the clock; tests use it to step past expiry
	Now func() time.Time
	// Locker, when set, serialises writes for a workspace across instances
	// sharing the persistence
	Locker Locker
}

// Locker hands out named locks shared between instances
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

func DefaultConfig() Config {
	return Config{TTL: DefaultTTL, Grace: DefaultGrace}
}

// Store is the credential store. Expiry is pull-based: expired records are
// treated as absent and are never swept.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	ttl         time.Duration
	grace       time.Duration
	now         func() time.Time
	locker      Locker
	persistence Persistence
	logger      logging.Logger
}

// NewStore creates a store. persistence may be nil for a memory-only store.
func NewStore(config Config, persistence Persistence, logger logging.Logger) *Store {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.Grace < 0 {
		config.Grace = 0
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Store{
		records:     make(map[string]Record),
		locks:       make(map[string]*sync.Mutex),
		ttl:         config.TTL,
		grace:       config.Grace,
		now:         config.Now,
		locker:      config.Locker,
		persistence: persistence,
		logger:      logger.WithFields(logging.Field{Key: "component", Value: "credentials"}),
	}
}

// Save installs a fresh token for the workspace, discarding any grace token
func (s *Store) Save(ctx context.Context, workspaceID, token, apiBaseURL string) error {
	workspaceID = strings.TrimSpace(workspaceID)
	token = strings.TrimSpace(token)
	if workspaceID == "" {
		return ErrWorkspaceRequired
	}
	if token == "" {
		return ErrTokenRequired
	}

	unlock, err := s.lock(ctx, workspaceID)
	if err != nil {
		return err
	}
	defer unlock()

	now := s.now()
	record := Record{
		Current: &WorkspaceToken{
			Token:      token,
			APIBaseURL: NormalizeAPIBaseURL(apiBaseURL),
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.ttl),
		},
	}

	s.install(workspaceID, record)
	s.persist(ctx, workspaceID, record)
	s.logger.Info("Workspace token saved", logging.Field{Key: "workspace_id", Value: workspaceID})
	return nil
}

// Rotate replaces the current token with newToken. The old token moves to the
// grace slot and stays valid for the grace window; the API base URL carries
// over.
func (s *Store) Rotate(ctx context.Context, workspaceID, newToken string) error {
	workspaceID = strings.TrimSpace(workspaceID)
	newToken = strings.TrimSpace(newToken)
	if workspaceID == "" {
		return ErrWorkspaceRequired
	}
	if newToken == "" {
		return ErrTokenRequired
	}

	unlock, err := s.lock(ctx, workspaceID)
	if err != nil {
		return err
	}
	defer unlock()

	now := s.now()
	existing, ok := s.latest(ctx, workspaceID)
	if !ok || existing.Current == nil || existing.Current.Expired(now) {
		return ErrNoCurrentToken
	}

	previous := *existing.Current
	previous.ExpiresAt = now.Add(s.grace)
	previous.RotatedAt = now

	record := Record{
		Current: &WorkspaceToken{
			Token:      newToken,
			APIBaseURL: previous.APIBaseURL,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.ttl),
		},
		Previous: &previous,
	}

	// Both tokens are published in one map write so readers never see a
	// moment where neither is valid.
	s.install(workspaceID, record)
	s.persist(ctx, workspaceID, record)
	s.logger.Info("Workspace token rotated",
		logging.Field{Key: "workspace_id", Value: workspaceID},
		logging.Field{Key: "grace", Value: s.grace.String()},
	)
	return nil
}

// Get returns the current token if unexpired, else the grace token if
// unexpired.
func (s *Store) Get(ctx context.Context, workspaceID string) (WorkspaceToken, bool) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return WorkspaceToken{}, false
	}

	record, ok := s.record(ctx, workspaceID)
	if !ok {
		return WorkspaceToken{}, false
	}

	now := s.now()
	if record.Current != nil && !record.Current.Expired(now) {
		return *record.Current, true
	}
	if record.Previous != nil && !record.Previous.Expired(now) {
		return *record.Previous, true
	}
	return WorkspaceToken{}, false
}

// Secrets returns every token currently acceptable for the workspace, current
// first.
func (s *Store) Secrets(ctx context.Context, workspaceID string) []string {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return nil
	}

	record, ok := s.record(ctx, workspaceID)
	if !ok {
		return nil
	}

	now := s.now()
	var secrets []string
	for _, token := range []*WorkspaceToken{record.Current, record.Previous} {
		if token != nil && !token.Expired(now) {
			secrets = append(secrets, token.Token)
		}
	}
	return secrets
}

// IsValid reports whether token matches the current or the grace token, each
// checked against its own expiry.
func (s *Store) IsValid(ctx context.Context, workspaceID, token string) bool {
	if token == "" {
		return false
	}
	for _, secret := range s.Secrets(ctx, workspaceID) {
		if subtle.ConstantTimeCompare([]byte(secret), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// Rotation reports the rotation in progress for the workspace, if any
func (s *Store) Rotation(ctx context.Context, workspaceID string) (RotationInfo, bool) {
	record, ok := s.record(ctx, strings.TrimSpace(workspaceID))
	if !ok || record.Previous == nil || record.Previous.Expired(s.now()) {
		return RotationInfo{}, false
	}
	return RotationInfo{RotatedAt: record.Previous.RotatedAt, GraceEndsAt: record.Previous.ExpiresAt}, true
}

// Delete removes all credentials for the workspace and reports whether any
// were held in memory.
func (s *Store) Delete(ctx context.Context, workspaceID string) bool {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return false
	}

	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	_, existed := s.records[workspaceID]
	delete(s.records, workspaceID)
	s.mu.Unlock()

	if s.persistence != nil {
		pctx, cancel := persistenceContext(ctx)
		defer cancel()
		if err := s.persistence.Remove(pctx, workspaceID); err != nil {
			s.logger.Error("Failed to remove persisted token", err, logging.Field{Key: "workspace_id", Value: workspaceID})
		}
	}
	return existed
}

// Clear drops every credential, including persisted ones
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.records = make(map[string]Record)
	s.mu.Unlock()

	if s.persistence != nil {
		pctx, cancel := persistenceContext(ctx)
		defer cancel()
		if err := s.persistence.Clear(pctx); err != nil {
			s.logger.Error("Failed to clear persisted tokens", err)
		}
	}
}

// lock takes the in-process workspace lock and, with a Locker configured,
// the shared one
func (s *Store) lock(ctx context.Context, workspaceID string) (func(), error) {
	local := s.workspaceLock(workspaceID)
	local.Lock()
	if s.locker == nil {
		return local.Unlock, nil
	}

	release, err := s.locker.Lock(ctx, "credentials:"+workspaceID)
	if err != nil {
		local.Unlock()
		s.logger.Error("Failed to acquire shared workspace lock", err, logging.Field{Key: "workspace_id", Value: workspaceID})
		return nil, err
	}
	return func() {
		release()
		local.Unlock()
	}, nil
}

// latest prefers the persisted record when writes are shared between
// instances, since another instance may have rotated since memory was filled
func (s *Store) latest(ctx context.Context, workspaceID string) (Record, bool) {
	if s.locker != nil && s.persistence != nil {
		pctx, cancel := persistenceContext(ctx)
		defer cancel()
		if record, ok, err := s.persistence.Load(pctx, workspaceID); err == nil && ok {
			return record, true
		}
	}
	return s.record(ctx, workspaceID)
}

func (s *Store) workspaceLock(workspaceID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[workspaceID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[workspaceID] = lock
	}
	return lock
}

func (s *Store) install(workspaceID string, record Record) {
	s.mu.Lock()
	s.records[workspaceID] = record
	s.mu.Unlock()
}

// record reads memory first and falls back to persistence, repopulating
// memory on a hit.
func (s *Store) record(ctx context.Context, workspaceID string) (Record, bool) {
	s.mu.RLock()
	record, ok := s.records[workspaceID]
	s.mu.RUnlock()
	if ok || s.persistence == nil {
		return record, ok
	}

	pctx, cancel := persistenceContext(ctx)
	defer cancel()

	record, ok, err := s.persistence.Load(pctx, workspaceID)
	if err != nil {
		s.logger.Error("Failed to load persisted token", err, logging.Field{Key: "workspace_id", Value: workspaceID})
		return Record{}, false
	}
	if !ok {
		return Record{}, false
	}

	s.mu.Lock()
	if _, raced := s.records[workspaceID]; !raced {
		s.records[workspaceID] = record
	} else {
		record = s.records[workspaceID]
	}
	s.mu.Unlock()
	return record, true
}

func (s *Store) persist(ctx context.Context, workspaceID string, record Record) {
	if s.persistence == nil {
		return
	}
	pctx, cancel := persistenceContext(ctx)
	defer cancel()
	if err := s.persistence.Save(pctx, workspaceID, record); err != nil {
		s.logger.Error("Failed to persist token", err, logging.Field{Key: "workspace_id", Value: workspaceID})
	}
}

func persistenceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), persistenceTimeout)
}
