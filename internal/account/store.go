package account

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/glebarez/sqlite"

	"github.com/nulpointcorp/claude-gateway/internal/config"
)

// Store is the credential store (C1): persisted accounts, call logs, and
// admins behind a single gorm.DB that is either the embedded SQLite file or
// a networked MySQL database — the two back-ends are indistinguishable to
// every caller in this package.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured backend and runs AutoMigrate. The backend
// is selected the same way §6 describes: MYSQL_DSN present selects the
// networked database, otherwise the embedded single-file SQLite database is
// used.
func Open(cfg config.DBConfig) (*Store, error) {
	var dialector gorm.Dialector
	if cfg.MySQLDSN != "" {
		dialector = mysql.Open(cfg.MySQLDSN)
	} else {
		path := cfg.SQLitePath
		if path == "" {
			path = "./gateway.db"
		}
		dialector = sqlite.Open(path)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("account: open store: %w", err)
	}

	if err := db.AutoMigrate(&Account{}, &CallLog{}, &Admin{}); err != nil {
		return nil, fmt.Errorf("account: migrate store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the underlying gorm handle for packages that need direct
// access.
func (s *Store) DB() *gorm.DB { return s.db }

// Create inserts a new account, assigning an id if the caller left it empty.
func (s *Store) Create(ctx context.Context, a *Account) (*Account, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Weight == 0 {
		a.Weight = 50
	}
	if a.RateLimitPerHour == 0 {
		a.RateLimitPerHour = 20
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, fmt.Errorf("account: create: %w", err)
	}
	return a, nil
}

// Get returns the account by id, or (nil, nil) if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("account: get %s: %w", id, err)
	}
	return &a, nil
}

// List returns every account, optionally filtered by type.
func (s *Store) List(ctx context.Context, filterType Type) ([]*Account, error) {
	var accounts []*Account
	q := s.db.WithContext(ctx)
	if filterType != "" {
		q = q.Where("type = ?", filterType)
	}
	if err := q.Order("id").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("account: list: %w", err)
	}
	return accounts, nil
}

// Update persists arbitrary field changes via a full-row save; updated_at is
// always refreshed.
func (s *Store) Update(ctx context.Context, a *Account) error {
	a.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Save(a).Error; err != nil {
		return fmt.Errorf("account: update %s: %w", a.ID, err)
	}
	return nil
}

// Delete removes the account row. Call logs are left in place for audit and
// purged out of band (§3).
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&Account{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("account: delete %s: %w", id, err)
	}
	return nil
}

// UpdateCounters atomically bumps the request/success/error counters and
// error streak for a single selection/completion outcome.
func (s *Store) UpdateCounters(ctx context.Context, id string, success bool) error {
	updates := map[string]any{
		"request_count": gorm.Expr("request_count + 1"),
		"last_used_at":  time.Now().UTC(),
		"updated_at":    time.Now().UTC(),
	}
	if success {
		updates["success_count"] = gorm.Expr("success_count + 1")
		updates["error_streak"] = 0
	} else {
		updates["error_count"] = gorm.Expr("error_count + 1")
		updates["error_streak"] = gorm.Expr("error_streak + 1")
	}
	return s.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Updates(updates).Error
}

// SetCooldown sets cooldown_until, taking the later of the existing value
// and until so rate-limit and circuit-breaker cooldowns compose by "longer
// wins" (§4.4).
func (s *Store) SetCooldown(ctx context.Context, id string, until time.Time) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("account: set cooldown: %s not found", id)
	}
	if until.Before(a.CooldownUntil) {
		until = a.CooldownUntil
	}
	return s.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).
		Updates(map[string]any{"cooldown_until": until, "updated_at": time.Now().UTC()}).Error
}

// UpdateRefreshStatus records the outcome of a token refresh attempt. Three
// consecutive failures also disables the account (§D.4) so a dead
// credential stops being retried silently.
func (s *Store) UpdateRefreshStatus(ctx context.Context, id string, status RefreshStatus) error {
	updates := map[string]any{
		"last_refresh_status": status,
		"last_refresh_at":     time.Now().UTC(),
		"updated_at":          time.Now().UTC(),
	}
	if status == RefreshStatusFailed {
		a, err := s.Get(ctx, id)
		if err == nil && a != nil && a.ErrorStreak >= 2 {
			updates["enabled"] = false
		}
	}
	return s.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateTokens persists the post-refresh access/refresh token pair.
func (s *Store) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	updates := map[string]any{
		"access_token":     accessToken,
		"token_expires_at": expiresAt,
		"updated_at":       time.Now().UTC(),
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	return s.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Updates(updates).Error
}
