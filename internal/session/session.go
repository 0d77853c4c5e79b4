// Package session resolves the access credential a user's durable-store
// calls authenticate with. Credentials are recorded at login and expire;
// worker cycles hitting an expired credential surface AuthExpired and leave
// their change records unacknowledged for retry after re-authentication.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scribbler-labs/scribbler/backend/internal/drive"
)

// ErrAuthExpired indicates the user has no usable access credential.
var ErrAuthExpired = errors.New("session: access credential missing or expired")

var errMissingDatabase = errors.New("session: database handle is required")

// credentialRow persists one user's provider access credential.
type credentialRow struct {
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null"`
	AccessToken string `gorm:"column:access_token;size:2048;not null"`
	ExpiresAtMS int64  `gorm:"column:expires_at_ms;not null"`
	CreatedAtMS int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMS int64  `gorm:"column:updated_at_ms;not null"`
}

func (credentialRow) TableName() string {
	return "user_sessions"
}

// Models lists the tables the provider persists, for schema migration.
func Models() []any {
	return []any{&credentialRow{}}
}

// ProviderConfig bundles the provider's dependencies.
type ProviderConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Provider stores and resolves user access credentials.
type Provider struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewProvider constructs a Provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Provider{db: cfg.Database, clock: clock}, nil
}

// SaveCredential records the user's access credential, replacing any prior
// one.
func (p *Provider) SaveCredential(ctx context.Context, userID, accessToken string, expiresAt time.Time) error {
	if userID == "" || accessToken == "" {
		return fmt.Errorf("session: user id and access token are required")
	}
	now := p.clock().UnixMilli()
	row := credentialRow{
		UserID:      userID,
		AccessToken: accessToken,
		ExpiresAtMS: expiresAt.UnixMilli(),
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"access_token", "expires_at_ms", "updated_at_ms"}),
		}).
		Create(&row).Error
}

// ResolveAccessCredential returns the user's current credential, or
// ErrAuthExpired when none is recorded or it has lapsed.
func (p *Provider) ResolveAccessCredential(ctx context.Context, userID string) (drive.Credential, error) {
	var row credentialRow
	err := p.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return drive.Credential{}, fmt.Errorf("%w: no credential for user %s", ErrAuthExpired, userID)
	}
	if err != nil {
		return drive.Credential{}, err
	}
	if row.ExpiresAtMS <= p.clock().UnixMilli() {
		return drive.Credential{}, fmt.Errorf("%w: credential for user %s lapsed", ErrAuthExpired, userID)
	}
	return drive.Credential{AccessToken: row.AccessToken}, nil
}
