// Package identity resolves buyers and producers by id. Authentication and
// account management live with the identity collaborator; the engine only
// reads existence and role.
package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/farmmarket-backend/pkg/db/models"
	"github.com/angelmondragon/farmmarket-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/farmmarket-backend/pkg/errors"
	"github.com/angelmondragon/farmmarket-backend/pkg/lookup"
)

// User is the identity read model.
type User struct {
	ID          uuid.UUID
	DisplayName string
	Role        enums.UserRole
}

// IsProducer reports whether the user may own a fulfillment queue.
func (u User) IsProducer() bool {
	return u.Role == enums.UserRoleProducer
}

// Repository reads user records.
type Repository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.User, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a user repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *repository) FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.User, error) {
	if len(ids) == 0 {
		return []models.User{}, nil
	}
	var users []models.User
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// Lookup resolves users through the guarded repository.
type Lookup struct {
	repo  Repository
	guard *lookup.Guard
}

// NewLookup builds an identity lookup.
func NewLookup(repo Repository, guard *lookup.Guard) *Lookup {
	return &Lookup{repo: repo, guard: guard}
}

// Resolve returns the user or NOT_FOUND.
func (l *Lookup) Resolve(ctx context.Context, id uuid.UUID) (User, error) {
	if id == uuid.Nil {
		return User{}, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	val, err := l.guard.Do(ctx, "user:"+id.String(), func(ctx context.Context) (any, error) {
		row, err := l.repo.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
			}
			return nil, err
		}
		return toUser(*row), nil
	})
	if err != nil {
		return User{}, err
	}
	return val.(User), nil
}

// ResolveRole resolves the user and requires the given role. A user with a
// different role is reported as NOT_FOUND for that role.
func (l *Lookup) ResolveRole(ctx context.Context, id uuid.UUID, role enums.UserRole) (User, error) {
	user, err := l.Resolve(ctx, id)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return User{}, pkgerrors.New(pkgerrors.CodeNotFound, string(role)+" not found")
		}
		return User{}, err
	}
	if user.Role != role {
		return User{}, pkgerrors.New(pkgerrors.CodeNotFound, string(role)+" not found")
	}
	return user, nil
}

// ResolveMany returns the users that exist, keyed by id.
func (l *Lookup) ResolveMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]User, error) {
	out := make(map[uuid.UUID]User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	key := "users"
	for _, id := range ids {
		key += ":" + id.String()
	}
	val, err := l.guard.Do(ctx, key, func(ctx context.Context) (any, error) {
		rows, err := l.repo.FindByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		users := make([]User, len(rows))
		for i, row := range rows {
			users[i] = toUser(row)
		}
		return users, nil
	})
	if err != nil {
		return nil, err
	}
	for _, u := range val.([]User) {
		out[u.ID] = u
	}
	return out, nil
}

func toUser(row models.User) User {
	return User{ID: row.ID, DisplayName: row.DisplayName, Role: row.Role}
}
