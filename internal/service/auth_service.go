package service

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"veilrate/internal/auth"
	"veilrate/internal/models"
	"veilrate/internal/repository"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserInactive       = errors.New("user account is inactive")
)

// AuthService handles registration and login
type AuthService struct {
	userRepo *repository.UserRepository
	roleRepo *repository.RoleRepository
	authSvc  *auth.Service
}

// NewAuthService creates a new authentication service
func NewAuthService(
	userRepo *repository.UserRepository,
	roleRepo *repository.RoleRepository,
	authSvc *auth.Service,
) *AuthService {
	return &AuthService{
		userRepo: userRepo,
		roleRepo: roleRepo,
		authSvc:  authSvc,
	}
}

// Register registers a new user. Everyone gets the rater role; the first
// user in the system additionally gets auditor so a fresh deployment always
// has someone who can verify the chain and reveal aggregates.
func (s *AuthService) Register(email, password string) (*models.User, error) {
	existing, _ := s.userRepo.GetByEmail(email)
	if existing != nil {
		return nil, repository.ErrUserExists
	}

	passwordHash, err := s.authSvc.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Email:        email,
		PasswordHash: passwordHash,
		IsActive:     true,
	}

	if err := s.userRepo.Create(user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	userCount, err := s.userRepo.CountAll()
	if err != nil {
		slog.Error("Failed to count users", "error", err)
	}

	roleNames := []string{"rater"}
	if userCount == 1 {
		roleNames = append(roleNames, "auditor")
		slog.Info("Assigning auditor role to first user", "email", email)
	}

	for _, roleName := range roleNames {
		role, err := s.roleRepo.GetByName(roleName)
		if err != nil {
			slog.Error("Failed to get role", "role", roleName, "error", err)
			continue
		}
		if err := s.userRepo.AssignRole(user.ID, role.ID); err != nil {
			slog.Error("Failed to assign role", "role", roleName, "user_id", user.ID, "error", err)
		}
	}

	slog.Info("User registered", "user_id", user.ID, "email", email)
	return user, nil
}

// GetProfile returns a user together with their roles
func (s *AuthService) GetProfile(userID uint) (*models.UserWithRoles, error) {
	user, err := s.userRepo.GetByID(userID)
	if err != nil {
		return nil, err
	}

	roles, err := s.userRepo.GetUserRoles(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user roles: %w", err)
	}

	return &models.UserWithRoles{User: *user, Roles: roles}, nil
}

// Login authenticates a user and issues an access token with the user's
// roles embedded as claims.
func (s *AuthService) Login(email, password string) (string, *models.User, error) {
	user, err := s.userRepo.GetByEmail(email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if err := s.authSvc.VerifyPassword(user.PasswordHash, password); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	if !user.IsActive {
		return "", nil, ErrUserInactive
	}

	roles, err := s.userRepo.GetUserRoles(user.ID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load user roles: %w", err)
	}
	roleNames := make([]string, 0, len(roles))
	for _, role := range roles {
		roleNames = append(roleNames, role.Name)
	}

	token, _, err := s.authSvc.GenerateToken(user.ID, user.Email, roleNames)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}

	now := time.Now()
	if err := s.userRepo.UpdateLastLogin(user.ID); err != nil {
		slog.Error("Failed to update last login", "user_id", user.ID, "error", err)
	}
	user.LastLoginAt = &now

	slog.Info("User logged in", "user_id", user.ID, "email", email)
	return token, user, nil
}
