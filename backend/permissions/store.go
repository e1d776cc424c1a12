package permissions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/b0bbywan/go-odio-portal/cache"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS permissions (
	app_id     TEXT NOT NULL,
	capability TEXT NOT NULL,
	decision   TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (app_id, capability)
);
CREATE TABLE IF NOT EXISTS restore_tokens (
	token       TEXT PRIMARY KEY,
	app_id      TEXT NOT NULL,
	capability  TEXT NOT NULL,
	sources     TEXT NOT NULL,
	cursor_mode INTEGER NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS restore_tokens_pair ON restore_tokens (app_id, capability);
`

// Store persists per-(app, capability) grants and restore tokens. Writes for
// the same pair are serialized so a revoke and a concurrent grant cannot race
// into a lost update; reads go through a short-lived cache.
type Store struct {
	ctx context.Context
	db  *sql.DB

	lockMu   sync.Mutex
	keyLocks map[string]*sync.Mutex

	readCache *cache.Cache[Record]

	transientMu     sync.Mutex
	transientTokens map[string]TokenRecord
	transientScope  string

	onRevoke func(appID, capability string)
}

func New(ctx context.Context, cfg *config.PermissionsConfig) (*Store, error) {
	if cfg == nil {
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, &StoreError{Op: "create data dir", Err: err}
	}

	db, err := sql.Open("sqlite", "file:"+cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, &StoreError{Op: "migrate", Err: err}
	}

	logger.Info("[permissions] store opened at %s (transient scope: %s)", cfg.DBPath, cfg.TransientScope)
	return &Store{
		ctx:             ctx,
		db:              db,
		keyLocks:        make(map[string]*sync.Mutex),
		readCache:       cache.New[Record](30 * time.Second),
		transientTokens: make(map[string]TokenRecord),
		transientScope:  cfg.TransientScope,
	}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.Error("[permissions] failed to close store: %v", err)
		}
		s.db = nil
	}
}

func pairKey(appID, capability string) string {
	return appID + "\x00" + capability
}

func (s *Store) lockPair(appID, capability string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	key := pairKey(appID, capability)
	mu, ok := s.keyLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.keyLocks[key] = mu
	}
	return mu
}

// Get returns the stored decision for the pair, or nil when absent.
func (s *Store) Get(appID, capability string) (*Record, error) {
	key := pairKey(appID, capability)
	if rec, ok := s.readCache.Get(key); ok {
		return &rec, nil
	}

	row := s.db.QueryRowContext(s.ctx,
		"SELECT decision, updated_at FROM permissions WHERE app_id = ? AND capability = ?",
		appID, capability)

	var decision string
	var updatedAt int64
	if err := row.Scan(&decision, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &StoreError{Op: "get", Err: err}
	}

	rec := Record{
		AppID:      appID,
		Capability: capability,
		Decision:   Decision(decision),
		UpdatedAt:  time.Unix(updatedAt, 0),
	}
	s.readCache.Set(key, rec)
	return &rec, nil
}

// Set overwrites the decision for the pair. The write is committed before
// returning, so a crash immediately afterwards never loses it.
func (s *Store) Set(appID, capability string, decision Decision) error {
	mu := s.lockPair(appID, capability)
	mu.Lock()
	defer mu.Unlock()

	return s.setLocked(appID, capability, decision, false)
}

// Revoke records a deny and invalidates every restore token bound to the
// pair, in one transaction, so a stale token cannot bypass consent.
func (s *Store) Revoke(appID, capability string) error {
	mu := s.lockPair(appID, capability)
	mu.Lock()
	defer mu.Unlock()

	if err := s.setLocked(appID, capability, DecisionDeny, true); err != nil {
		return err
	}
	s.dropTransientPair(appID, capability)
	if s.onRevoke != nil {
		s.onRevoke(appID, capability)
	}
	logger.Info("[permissions] revoked %s for %s", capability, appID)
	return nil
}

// OnRevoke registers a hook that fires after a successful revocation. Set
// once during wiring, before the store is shared.
func (s *Store) OnRevoke(hook func(appID, capability string)) {
	s.onRevoke = hook
}

func (s *Store) setLocked(appID, capability string, decision Decision, dropTokens bool) error {
	tx, err := s.db.BeginTx(s.ctx, nil)
	if err != nil {
		return &StoreError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(s.ctx,
		`INSERT INTO permissions (app_id, capability, decision, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (app_id, capability) DO UPDATE SET decision = excluded.decision, updated_at = excluded.updated_at`,
		appID, capability, string(decision), time.Now().Unix()); err != nil {
		return &StoreError{Op: "set", Err: err}
	}

	if dropTokens {
		if _, err := tx.ExecContext(s.ctx,
			"DELETE FROM restore_tokens WHERE app_id = ? AND capability = ?",
			appID, capability); err != nil {
			return &StoreError{Op: "drop tokens", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "commit", Err: err}
	}

	s.readCache.Set(pairKey(appID, capability), Record{
		AppID:      appID,
		Capability: capability,
		Decision:   decision,
		UpdatedAt:  time.Now(),
	})
	return nil
}

// MintToken creates a restore token bound to the app identity. Transient
// tokens are held in memory only; persistent ones survive a daemon restart.
func (s *Store) MintToken(appID, capability string, sources []SourceRef, cursorMode uint32, transient bool, ownerSession string) (string, error) {
	token := uuid.NewString()
	rec := TokenRecord{
		Token:        token,
		AppID:        appID,
		Capability:   capability,
		Sources:      sources,
		CursorMode:   cursorMode,
		OwnerSession: ownerSession,
		CreatedAt:    time.Now(),
	}

	if transient {
		if s.transientScope == config.TransientScopeDaemon {
			rec.OwnerSession = ""
		}
		s.transientMu.Lock()
		s.transientTokens[token] = rec
		s.transientMu.Unlock()
		return token, nil
	}

	encoded, err := json.Marshal(sources)
	if err != nil {
		return "", &StoreError{Op: "encode sources", Err: err}
	}

	mu := s.lockPair(appID, capability)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.db.ExecContext(s.ctx,
		"INSERT INTO restore_tokens (token, app_id, capability, sources, cursor_mode, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		token, appID, capability, string(encoded), cursorMode, rec.CreatedAt.Unix()); err != nil {
		return "", &StoreError{Op: "mint token", Err: err}
	}
	return token, nil
}

// LookupToken resolves a presented token for the given app identity. A token
// minted for a different identity is treated as absent, never as an error;
// callers fall back to fresh consent.
func (s *Store) LookupToken(token, appID string) (*TokenRecord, error) {
	if token == "" {
		return nil, nil
	}

	s.transientMu.Lock()
	if rec, ok := s.transientTokens[token]; ok {
		s.transientMu.Unlock()
		if rec.AppID != appID {
			logger.Warn("[permissions] token presented by %s was minted for another app", appID)
			return nil, nil
		}
		return &rec, nil
	}
	s.transientMu.Unlock()

	row := s.db.QueryRowContext(s.ctx,
		"SELECT app_id, capability, sources, cursor_mode, created_at FROM restore_tokens WHERE token = ?",
		token)

	var rec TokenRecord
	var sources string
	var createdAt int64
	if err := row.Scan(&rec.AppID, &rec.Capability, &sources, &rec.CursorMode, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &StoreError{Op: "lookup token", Err: err}
	}

	if rec.AppID != appID {
		logger.Warn("[permissions] token presented by %s was minted for another app", appID)
		return nil, nil
	}

	if err := json.Unmarshal([]byte(sources), &rec.Sources); err != nil {
		return nil, &StoreError{Op: "decode sources", Err: err}
	}
	rec.Token = token
	rec.CreatedAt = time.Unix(createdAt, 0)
	return &rec, nil
}

// DropToken removes a single token, e.g. after it was superseded by a newer
// grant for the same configuration.
func (s *Store) DropToken(token string) error {
	s.transientMu.Lock()
	if _, ok := s.transientTokens[token]; ok {
		delete(s.transientTokens, token)
		s.transientMu.Unlock()
		return nil
	}
	s.transientMu.Unlock()

	if _, err := s.db.ExecContext(s.ctx, "DELETE FROM restore_tokens WHERE token = ?", token); err != nil {
		return &StoreError{Op: "drop token", Err: err}
	}
	return nil
}

// SessionClosed drops transient tokens owned by the session when the
// configured scope ties them to the session lifetime.
func (s *Store) SessionClosed(sessionID string) {
	if s.transientScope != config.TransientScopeSession {
		return
	}
	s.transientMu.Lock()
	defer s.transientMu.Unlock()
	for token, rec := range s.transientTokens {
		if rec.OwnerSession == sessionID {
			delete(s.transientTokens, token)
		}
	}
}

func (s *Store) dropTransientPair(appID, capability string) {
	s.transientMu.Lock()
	defer s.transientMu.Unlock()
	for token, rec := range s.transientTokens {
		if rec.AppID == appID && rec.Capability == capability {
			delete(s.transientTokens, token)
		}
	}
}
