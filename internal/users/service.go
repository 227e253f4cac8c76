package users

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/companion/backend/internal/servicerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "users.service.new"
	opResolve    = "users.resolve"

	defaultProvider = "default"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

var errMissingDatabase = errors.New("database handle is required")

// FirstSeenHook runs once after a canonical user id is created.
type FirstSeenHook func(ctx context.Context, userID string)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	Logger      *zap.Logger
	OnFirstSeen FirstSeenHook
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db          *gorm.DB
	now         func() time.Time
	logger      *zap.Logger
	onFirstSeen FirstSeenHook
	cache       sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, servicerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          cfg.Database,
		now:         clock,
		logger:      logger,
		onFirstSeen: cfg.OnFirstSeen,
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
// The first resolution of a provider+subject pair creates the identity and fires the first-seen hook.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if canonicalIdentifier, ok := cachedIdentifier.(string); ok {
			return canonicalIdentifier, nil
		}
	}

	now := s.now().UTC()
	candidate := Identity{
		Provider:    provider,
		Subject:     subject,
		UserID:      subject,
		Email:       claimValue(claims.UserEmail),
		DisplayName: claimValue(claims.UserDisplayName),
		AvatarURL:   claimValue(claims.UserAvatarURL),
		LastSeenAt:  now,
	}
	created := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&candidate)
	if created.Error != nil {
		s.logger.Error("identity insert failed", zap.String("provider", provider), zap.Error(created.Error))
		return "", servicerr.New(opResolve, "insert_failed", created.Error)
	}

	if created.RowsAffected == 1 {
		s.logger.Info("new user identity", zap.String("provider", provider), zap.String("user_id", candidate.UserID))
		s.cache.Store(cacheKey, candidate.UserID)
		if s.onFirstSeen != nil {
			s.onFirstSeen(ctx, candidate.UserID)
		}
		return candidate.UserID, nil
	}

	var identity Identity
	if err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		Take(&identity).Error; err != nil {
		s.logger.Error("identity lookup failed", zap.String("provider", provider), zap.Error(err))
		return "", servicerr.New(opResolve, "query_failed", err)
	}

	updates := identity.profileUpdates(candidate)
	if err := s.db.WithContext(ctx).
		Model(&Identity{}).
		Where("provider = ? AND subject = ?", provider, subject).
		Updates(updates).Error; err != nil {
		s.logger.Warn("identity profile refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// deriveProviderSubject splits TAuth user ids of the form "provider:subject".
func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := claimValue(claims.Subject)

	raw := claimValue(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if claimValue(segments[0]) != "" && claimValue(segments[1]) != "" {
				provider = claimValue(segments[0])
				subject = claimValue(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = claimValue(claims.UserEmail)
	}

	return provider, subject
}
