package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/99minutos/session-auth/internal/core/domain"
	"github.com/99minutos/session-auth/internal/core/ports"
)

// SessionRepository stores sessions in MongoDB. CreateAdmitted needs a
// replica set because it runs in a multi-document transaction.
type SessionRepository struct {
	client *mongo.Client
	coll   *mongo.Collection
	users  *mongo.Collection
}

func NewSessionRepository(client *mongo.Client, db *mongo.Database) *SessionRepository {
	return &SessionRepository{
		client: client,
		coll:   db.Collection(sessionsCollection),
		users:  db.Collection(usersCollection),
	}
}

type sessionDocument struct {
	ID               string    `bson:"_id"`
	UserID           string    `bson:"user_id"`
	RefreshTokenHash string    `bson:"refresh_token_hash"`
	AccessTokenHash  string    `bson:"access_token_hash"`
	DeviceInfo       string    `bson:"device_info,omitempty"`
	IPAddress        string    `bson:"ip_address,omitempty"`
	UserAgent        string    `bson:"user_agent,omitempty"`
	Status           string    `bson:"status"`
	ExpiresAt        time.Time `bson:"expires_at"`
	LastActivityAt   time.Time `bson:"last_activity_at"`
	CreatedAt        time.Time `bson:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

func newSessionDocument(s *domain.Session) sessionDocument {
	return sessionDocument{
		ID:               s.ID,
		UserID:           s.UserID,
		RefreshTokenHash: s.RefreshTokenHash,
		AccessTokenHash:  s.AccessTokenHash,
		DeviceInfo:       s.DeviceInfo,
		IPAddress:        s.IPAddress,
		UserAgent:        s.UserAgent,
		Status:           string(s.Status),
		ExpiresAt:        s.ExpiresAt,
		LastActivityAt:   s.LastActivityAt,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

func (d *sessionDocument) toDomain() *domain.Session {
	return &domain.Session{
		ID:               d.ID,
		UserID:           d.UserID,
		RefreshTokenHash: d.RefreshTokenHash,
		AccessTokenHash:  d.AccessTokenHash,
		DeviceInfo:       d.DeviceInfo,
		IPAddress:        d.IPAddress,
		UserAgent:        d.UserAgent,
		Status:           domain.SessionStatus(d.Status),
		ExpiresAt:        d.ExpiresAt,
		LastActivityAt:   d.LastActivityAt,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func activeFilter(userID string, now time.Time) bson.M {
	return bson.M{
		"user_id":    userID,
		"status":     string(domain.SessionActive),
		"expires_at": bson.M{"$gt": now},
	}
}

func (r *SessionRepository) CreateAdmitted(ctx context.Context, s *domain.Session, admit ports.AdmitFunc) ([]string, error) {
	sess, err := r.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	out, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		// Touching the owner document makes two concurrent admissions for
		// the same user write-conflict; the loser is retried and sees the
		// winner's session.
		res, err := r.users.UpdateOne(sc,
			bson.M{"_id": s.UserID, "deleted": false},
			bson.M{"$inc": bson.M{"session_admissions": 1}},
		)
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, domain.ErrUserNotFound
		}

		active, err := r.listActive(sc, s.UserID, s.CreatedAt)
		if err != nil {
			return nil, err
		}
		decision, err := admit(active)
		if err != nil {
			return nil, err
		}

		if len(decision.Evict) > 0 {
			_, err := r.coll.UpdateMany(sc,
				bson.M{
					"_id":     bson.M{"$in": decision.Evict},
					"user_id": s.UserID,
					"status":  string(domain.SessionActive),
				},
				bson.M{"$set": bson.M{"status": string(domain.SessionRevoked), "updated_at": s.CreatedAt}},
			)
			if err != nil {
				return nil, fmt.Errorf("evict sessions: %w", err)
			}
		}

		if _, err := r.coll.InsertOne(sc, newSessionDocument(s)); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, domain.ErrSessionConflict
			}
			return nil, fmt.Errorf("insert session: %w", err)
		}
		return decision.Evict, nil
	})
	if err != nil {
		return nil, err
	}
	evicted, _ := out.([]string)
	return evicted, nil
}

func (r *SessionRepository) FindByID(ctx context.Context, id string) (*domain.Session, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *SessionRepository) FindByRefreshHash(ctx context.Context, hash string) (*domain.Session, error) {
	return r.findOne(ctx, bson.M{"refresh_token_hash": hash})
}

func (r *SessionRepository) FindByAccessHash(ctx context.Context, hash string) (*domain.Session, error) {
	return r.findOne(ctx, bson.M{"access_token_hash": hash})
}

func (r *SessionRepository) findOne(ctx context.Context, filter bson.M) (*domain.Session, error) {
	var doc sessionDocument
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return doc.toDomain(), nil
}

func (r *SessionRepository) CountActive(ctx context.Context, userID string, now time.Time) (int, error) {
	n, err := r.coll.CountDocuments(ctx, activeFilter(userID, now))
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return int(n), nil
}

func (r *SessionRepository) ListActive(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	return r.listActive(ctx, userID, now)
}

func (r *SessionRepository) listActive(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_activity_at", Value: -1}})
	cur, err := r.coll.Find(ctx, activeFilter(userID, now), opts)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer cur.Close(ctx)

	var docs []sessionDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	sessions := make([]*domain.Session, 0, len(docs))
	for i := range docs {
		sessions = append(sessions, docs[i].toDomain())
	}
	return sessions, nil
}

func (r *SessionRepository) Rotate(ctx context.Context, id, prevRefreshHash string, rot domain.SessionRotation) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{
			"_id":                id,
			"refresh_token_hash": prevRefreshHash,
			"status":             string(domain.SessionActive),
			"expires_at":         bson.M{"$gt": rot.At},
		},
		bson.M{"$set": bson.M{
			"refresh_token_hash": rot.RefreshTokenHash,
			"access_token_hash":  rot.AccessTokenHash,
			"expires_at":         rot.ExpiresAt,
			"last_activity_at":   rot.At,
			"updated_at":         rot.At,
		}},
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrSessionConflict
		}
		return fmt.Errorf("rotate session: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (r *SessionRepository) TouchActivity(ctx context.Context, id string, at time.Time) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"last_activity_at": at, "updated_at": at}})
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (r *SessionRepository) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(domain.SessionActive)},
		bson.M{"$set": bson.M{"status": string(domain.SessionRevoked), "updated_at": at}},
	)
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (r *SessionRepository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	res, err := r.coll.UpdateMany(ctx,
		bson.M{"user_id": userID, "status": string(domain.SessionActive)},
		bson.M{"$set": bson.M{"status": string(domain.SessionRevoked), "updated_at": at}},
	)
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	return res.ModifiedCount, nil
}

func (r *SessionRepository) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.coll.UpdateMany(ctx,
		bson.M{"status": string(domain.SessionActive), "expires_at": bson.M{"$lte": now}},
		bson.M{"$set": bson.M{"status": string(domain.SessionExpired), "updated_at": now}},
	)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return res.ModifiedCount, nil
}
