package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/99minutos/session-auth/internal/core/domain"
)

type UserRepository struct {
	coll *mongo.Collection
}

func NewUserRepository(db *mongo.Database) *UserRepository {
	return &UserRepository{coll: db.Collection(usersCollection)}
}

type userDocument struct {
	ID           string     `bson:"_id"`
	Username     string     `bson:"username"`
	Email        string     `bson:"email"`
	PasswordHash string     `bson:"password_hash"`
	FullName     string     `bson:"full_name,omitempty"`
	Phone        string     `bson:"phone,omitempty"`
	Role         string     `bson:"role"`
	Status       string     `bson:"status"`
	Deleted      bool       `bson:"deleted"`
	LastLoginAt  *time.Time `bson:"last_login_at,omitempty"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
	DeletedAt    *time.Time `bson:"deleted_at,omitempty"`
	// Bumped inside every session admission so concurrent admissions for
	// the same user conflict and get retried.
	SessionAdmissions int64 `bson:"session_admissions"`
}

func (d *userDocument) toDomain() *domain.User {
	return &domain.User{
		ID:           d.ID,
		Username:     d.Username,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		FullName:     d.FullName,
		Phone:        d.Phone,
		Role:         domain.UserRole(d.Role),
		Status:       domain.UserStatus(d.Status),
		LastLoginAt:  d.LastLoginAt,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		DeletedAt:    d.DeletedAt,
	}
}

func (r *UserRepository) Create(ctx context.Context, user *domain.User) (*domain.User, error) {
	doc := userDocument{
		ID:           user.ID,
		Username:     user.Username,
		Email:        user.Email,
		PasswordHash: user.PasswordHash,
		FullName:     user.FullName,
		Phone:        user.Phone,
		Role:         string(user.Role),
		Status:       string(user.Status),
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	}

	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, domain.ErrUserExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return doc.toDomain(), nil
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"_id": id, "deleted": false})
}

// FindByLogin looks the identifier up as an email first, then as a username.
func (r *UserRepository) FindByLogin(ctx context.Context, identifier string) (*domain.User, error) {
	u, err := r.findOne(ctx, bson.M{"deleted": false, "email": strings.ToLower(identifier)})
	if !errors.Is(err, domain.ErrUserNotFound) {
		return u, err
	}
	return r.findOne(ctx, bson.M{"deleted": false, "username": identifier})
}

func (r *UserRepository) findOne(ctx context.Context, filter bson.M) (*domain.User, error) {
	var doc userDocument
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return doc.toDomain(), nil
}

func (r *UserRepository) Exists(ctx context.Context, username, email string) (bool, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{
		"deleted": false,
		"$or": bson.A{
			bson.M{"username": username},
			bson.M{"email": email},
		},
	})
	if err != nil {
		return false, fmt.Errorf("check user exists: %w", err)
	}
	return n > 0, nil
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, id, bson.M{"last_login_at": at, "updated_at": at})
}

func (r *UserRepository) UpdateStatus(ctx context.Context, id string, status domain.UserStatus, at time.Time) error {
	return r.update(ctx, id, bson.M{"status": string(status), "updated_at": at})
}

func (r *UserRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, id, bson.M{"deleted": true, "deleted_at": at, "updated_at": at})
}

func (r *UserRepository) update(ctx context.Context, id string, set bson.M) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id, "deleted": false}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}
