// Package auth implements registration and login on top of the broker:
// argon2id password hashes in the user document, a login stamp with a
// bounded lifetime, and a signed JWT for transport.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/chatbone/broker/internal/broker"
	"github.com/chatbone/broker/internal/crypto"
	"github.com/chatbone/broker/internal/errs"
)

// Service handles user credentials and session tokens.
type Service struct {
	broker   *broker.Broker
	signKey  []byte
	tokenTTL time.Duration
	log      *zap.Logger
}

func New(b *broker.Broker, signKey []byte, tokenTTL time.Duration, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{broker: b, signKey: signKey, tokenTTL: tokenTTL, log: log}
}

// Register creates a new user with a hashed password. A taken id yields
// ErrAlreadyExists.
func (s *Service) Register(ctx context.Context, username, password string) (*broker.UserData, error) {
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	user := s.broker.NewUser(id, username, hash)
	created, err := user.Save(ctx)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, fmt.Errorf("register %s: %w", username, errs.ErrAlreadyExists)
	}
	s.log.Info("user registered", zap.Stringer("id", id), zap.String("username", username))
	return user, nil
}

// Login checks the password for an existing user, stamps a fresh login
// token on the document and returns the user with a signed JWT. A wrong
// password is ErrUnauthorized.
func (s *Service) Login(ctx context.Context, id uuid.UUID, password string) (*broker.UserData, string, error) {
	user, err := s.broker.User(id).RefreshFields(ctx, "username", "password")
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, "", fmt.Errorf("login %s: %w", id, errs.ErrUnauthorized)
		}
		return nil, "", err
	}
	if !crypto.VerifyPassword(user.Password, password) {
		return nil, "", fmt.Errorf("login %s: %w", id, errs.ErrUnauthorized)
	}

	tokenID, err := uuid.NewV7()
	if err != nil {
		return nil, "", err
	}
	now := time.Now()
	stamp := broker.UserToken{ID: tokenID, CreatedAt: now, ExpiresAt: now.Add(s.tokenTTL)}
	if err := user.SetUserToken(ctx, stamp); err != nil {
		return nil, "", err
	}

	jwtToken, err := s.issueAccessToken(id, stamp)
	if err != nil {
		return nil, "", err
	}
	s.log.Info("user logged in", zap.Stringer("id", id))
	return user, jwtToken, nil
}

// issueAccessToken signs the login stamp as an HS256 JWT.
func (s *Service) issueAccessToken(userID uuid.UUID, stamp broker.UserToken) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		ID:        stamp.ID.String(),
		IssuedAt:  jwt.NewNumericDate(stamp.CreatedAt),
		ExpiresAt: jwt.NewNumericDate(stamp.ExpiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken verifies a JWT and returns the user and stamp ids.
func (s *Service) ParseAccessToken(raw string) (userID, tokenID uuid.UUID, err error) {
	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signKey, nil
	})
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parse token: %w", errs.ErrUnauthorized)
	}
	userID, err = uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("token subject: %w", errs.ErrUnauthorized)
	}
	tokenID, err = uuid.FromString(claims.ID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("token id: %w", errs.ErrUnauthorized)
	}
	return userID, tokenID, nil
}
