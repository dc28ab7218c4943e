package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-onboard"
)

// ProfileRepository implements onboard.ProfileStore using Bun.
type ProfileRepository struct {
	db *bun.DB
}

var _ onboard.ProfileStore = (*ProfileRepository)(nil)

// NewProfileRepository creates a new repository.
func NewProfileRepository(db *bun.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// CreateTable creates the profiles table when missing.
func (r *ProfileRepository) CreateTable(ctx context.Context) error {
	_, err := r.db.NewCreateTable().
		Model((*onboard.Profile)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create profiles table")
	}
	return nil
}

// Create implements onboard.ProfileStore.
func (r *ProfileRepository) Create(ctx context.Context, profile *onboard.Profile) (*onboard.Profile, error) {
	if profile == nil || profile.ID == "" {
		return nil, onboard.ErrValidation
	}

	if _, err := r.db.NewInsert().Model(profile).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, goerrors.Wrap(err, goerrors.CategoryConflict, "profile already exists").
				WithMetadata(map[string]any{"id": profile.ID})
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "could not create profile")
	}
	return profile, nil
}

// GetByID implements onboard.ProfileStore.
func (r *ProfileRepository) GetByID(ctx context.Context, id string) (*onboard.Profile, error) {
	profile := new(onboard.Profile)
	err := r.db.NewSelect().
		Model(profile).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, onboard.ErrProfileNotFound
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "could not load profile")
	}
	return profile, nil
}

// UpdateStatus implements onboard.ProfileStore. The update only matches
// rows still in change.From.
func (r *ProfileRepository) UpdateStatus(ctx context.Context, id string, change onboard.StatusChange) (*onboard.Profile, error) {
	q := r.db.NewUpdate().
		Model((*onboard.Profile)(nil)).
		Set("status = ?", change.To).
		Where("id = ?", id).
		Where("status = ?", change.From)

	if change.To == onboard.StatusActive {
		q = q.Set("approved_at = ?", change.At).
			Set("approved_by = ?", change.Actor.ID)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "could not update profile status")
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		current, gerr := r.GetByID(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, onboard.Annotate(onboard.ErrInvalidTransition, "", map[string]any{
			"from":    change.From,
			"to":      change.To,
			"current": current.Status,
		})
	}

	return r.GetByID(ctx, id)
}

// ListByStatus implements onboard.ProfileStore.
func (r *ProfileRepository) ListByStatus(ctx context.Context, status onboard.ApprovalStatus) ([]*onboard.Profile, error) {
	profiles := make([]*onboard.Profile, 0)
	err := r.db.NewSelect().
		Model(&profiles).
		Where("status = ?", status).
		Order("registered_at ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "could not list profiles")
	}
	return profiles, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
