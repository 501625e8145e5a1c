package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"lingo-social/internal/domain"
	"lingo-social/internal/repository"
)

const maxDisplayNameLength = 100

// RegisterInput 注册参数。DisplayName 为空时使用用户名。
type RegisterInput struct {
	Username    string
	Password    string
	Email       string
	DisplayName string
}

// LoginResult 登录成功后返回给客户端的令牌与身份
type LoginResult struct {
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expires_at"`
	User      domain.UserSummary `json:"user"`
}

// AuthService 签发网关使用的 JWT，并管理账号的注册。
type AuthService struct {
	userRepo  repository.UserRepository
	jwtSecret []byte
	jwtExpiry time.Duration
	now       func() time.Time
}

// NewAuthService 创建 AuthService 实例，jwtExpiryHours <= 0 时使用 24 小时。
func NewAuthService(userRepo repository.UserRepository, jwtSecretKey string, jwtExpiryHours int) (*AuthService, error) {
	if userRepo == nil {
		panic("UserRepository cannot be nil for AuthService")
	}
	if jwtSecretKey == "" {
		return nil, fmt.Errorf("JWT secret key cannot be empty")
	}
	if jwtExpiryHours <= 0 {
		jwtExpiryHours = 24
	}
	return &AuthService{
		userRepo:  userRepo,
		jwtSecret: []byte(jwtSecretKey),
		jwtExpiry: time.Duration(jwtExpiryHours) * time.Hour,
		now:       time.Now,
	}, nil
}

// Register 创建账号，返回的用户不含密码哈希。
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	logCtx := logrus.WithFields(logrus.Fields{"username": in.Username, "email": in.Email})

	if in.Username == "" || in.Password == "" {
		return nil, ErrInvalidCredentials
	}
	if utf8.RuneCountInString(in.DisplayName) > maxDisplayNameLength {
		return nil, fmt.Errorf("%w: display name must be at most %d characters", ErrInvalid, maxDisplayNameLength)
	}
	if in.DisplayName == "" {
		in.DisplayName = in.Username
	}

	// 唯一索引兜底并发注册，这里先给出明确的冲突
	existing, err := s.userRepo.FindByUsername(ctx, in.Username)
	if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
		logCtx.WithError(err).Error("Database error while checking username")
		return nil, fmt.Errorf("%w: check username: %v", ErrInternalServer, err)
	}
	if existing != nil {
		logCtx.Warn("Registration rejected: username taken")
		return nil, ErrRegistrationFailed
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		logCtx.WithError(err).Error("Failed to hash password")
		return nil, fmt.Errorf("%w: hash password: %v", ErrInternalServer, err)
	}

	user := &domain.User{
		Username:    in.Username,
		Password:    string(hash),
		Email:       in.Email,
		DisplayName: in.DisplayName,
	}
	if err := s.userRepo.Save(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEntry) {
			logCtx.WithError(err).Warn("Registration rejected by unique index")
			return nil, ErrRegistrationFailed
		}
		logCtx.WithError(err).Error("Failed to save user")
		return nil, fmt.Errorf("%w: save user: %v", ErrInternalServer, err)
	}

	logCtx.WithField("user_id", user.ID).Info("User registered")
	user.Password = ""
	return user, nil
}

// Login 校验密码并签发 JWT。用户不存在与密码错误返回同一个错误。
func (s *AuthService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	username = strings.TrimSpace(username)
	logCtx := logrus.WithField("username", username)

	user, err := s.userRepo.FindByUsername(ctx, username)
	switch {
	case errors.Is(err, repository.ErrUserNotFound):
		logCtx.Warn("Login rejected: unknown user")
		return nil, ErrAuthenticationFailed
	case err != nil:
		logCtx.WithError(err).Error("Database error during login")
		return nil, fmt.Errorf("%w: find user: %v", ErrInternalServer, err)
	case user == nil:
		return nil, ErrAuthenticationFailed
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		logCtx.WithField("user_id", user.ID).Warn("Login rejected: wrong password")
		return nil, ErrAuthenticationFailed
	}

	expiresAt := s.now().Add(s.jwtExpiry)
	token, err := s.signToken(user.ID, expiresAt)
	if err != nil {
		logCtx.WithError(err).Error("Failed to sign JWT")
		return nil, fmt.Errorf("%w: %v", ErrInternalServer, err)
	}

	logCtx.WithField("user_id", user.ID).Info("User logged in")
	return &LoginResult{Token: token, ExpiresAt: expiresAt, User: user.Summary()}, nil
}

// signToken 的 user_id 声明由 middleware.ParseToken 读取
func (s *AuthService) signToken(userID uint, expiresAt time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     expiresAt.Unix(),
		"iat":     s.now().Unix(),
	})
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
