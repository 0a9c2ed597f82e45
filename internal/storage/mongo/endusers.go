package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"github.com/opencarrental/identity/internal/models"
	"github.com/opencarrental/identity/internal/storage"
)

// endUserDoc — документ коллекции endusers.
type endUserDoc struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	FirstName      string             `bson:"first_name"`
	LastName       string             `bson:"last_name"`
	Email          string             `bson:"email"`
	PasswordHash   string             `bson:"password_hash"`
	Verified       bool               `bson:"verified"`
	RegisteredTime time.Time          `bson:"registered_time"`
	LastLoginTime  *time.Time         `bson:"last_login_time,omitempty"`
}

func (d *endUserDoc) toModel() *models.EndUser {
	u := &models.EndUser{
		ID:             d.ID.Hex(),
		FirstName:      d.FirstName,
		LastName:       d.LastName,
		Email:          d.Email,
		PasswordHash:   d.PasswordHash,
		Verified:       d.Verified,
		RegisteredTime: d.RegisteredTime.UTC(),
	}

	if d.LastLoginTime != nil {
		t := d.LastLoginTime.UTC()
		u.LastLoginTime = &t
	}

	return u
}

// SaveUser создаёт пользователя. Пустой ID генерируется как ObjectID.
func (m *Mongo) SaveUser(ctx context.Context, user models.EndUser) (*models.EndUser, error) {
	const op = "storage.mongo.SaveUser"

	doc := endUserDoc{
		FirstName:      user.FirstName,
		LastName:       user.LastName,
		Email:          strings.ToLower(strings.TrimSpace(user.Email)),
		PasswordHash:   user.PasswordHash,
		Verified:       user.Verified,
		RegisteredTime: user.RegisteredTime.UTC(),
		LastLoginTime:  user.LastLoginTime,
	}

	if user.ID != "" {
		oid, err := primitive.ObjectIDFromHex(user.ID)
		if err != nil {
			return nil, fmt.Errorf("%s: bad id: %w", op, err)
		}
		doc.ID = oid
	} else {
		doc.ID = primitive.NewObjectID()
	}

	if doc.RegisteredTime.IsZero() {
		doc.RegisteredTime = time.Now().UTC()
	}

	if _, err := m.users.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrAlreadyExists)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return doc.toModel(), nil
}

// UserByEmail находит пользователя по e-mail без учёта регистра.
func (m *Mongo) UserByEmail(ctx context.Context, email string) (*models.EndUser, error) {
	const op = "storage.mongo.UserByEmail"

	var doc endUserDoc
	err := m.users.FindOne(ctx, bson.M{"email": strings.ToLower(strings.TrimSpace(email))}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return doc.toModel(), nil
}

// UserByID находит пользователя по hex ObjectID. Некорректный ID — ErrNotFound.
func (m *Mongo) UserByID(ctx context.Context, id string) (*models.EndUser, error) {
	const op = "storage.mongo.UserByID"

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	var doc endUserDoc
	err = m.users.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return doc.toModel(), nil
}

// TouchLastLogin выставляет last_login_time.
func (m *Mongo) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	const op = "storage.mongo.TouchLastLogin"

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	res, err := m.users.UpdateByID(ctx, oid, bson.M{"$set": bson.M{"last_login_time": at.UTC()}})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}
