package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"veilrate/internal/middleware"
	"veilrate/internal/models"
	"veilrate/internal/repository"
)

// UserHandler handles user administration. Auditors manage who holds which
// role and which accounts are active; everything else about an account is
// self-service through the auth endpoints.
type UserHandler struct {
	userRepo *repository.UserRepository
	roleRepo *repository.RoleRepository
}

// NewUserHandler creates a new user handler
func NewUserHandler(userRepo *repository.UserRepository, roleRepo *repository.RoleRepository) *UserHandler {
	return &UserHandler{
		userRepo: userRepo,
		roleRepo: roleRepo,
	}
}

// RoleChangeRequest names the role to grant
type RoleChangeRequest struct {
	Role string `json:"role"`
}

// ActiveStatusRequest carries the new active flag
type ActiveStatusRequest struct {
	IsActive *bool `json:"is_active"`
}

// parsePaginationParams parses and validates pagination parameters from the request
func parsePaginationParams(r *http.Request) (page, limit, offset int) {
	page = 1
	limit = 20

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	offset = (page - 1) * limit
	return page, limit, offset
}

func (h *UserHandler) withRoles(user models.User) models.UserWithRoles {
	roles, err := h.userRepo.GetUserRoles(user.ID)
	if err != nil {
		slog.Error("Failed to load user roles", "user_id", user.ID, "error", err)
		roles = []models.Role{}
	}
	return models.UserWithRoles{User: user, Roles: roles}
}

// ListUsers lists all users with their roles
// @Summary List users
// @Description Get a paginated list of all accounts with their roles (auditor only)
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param page query int false "Page number" default(1)
// @Param limit query int false "Items per page" default(20)
// @Success 200 {object} map[string]interface{} "Users with pagination"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Forbidden - auditor only"
// @Router /users [get]
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page, limit, offset := parsePaginationParams(r)

	totalCount, err := h.userRepo.CountAll()
	if err != nil {
		slog.Error("Failed to count users", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to count users")
		return
	}

	users, err := h.userRepo.GetAll(limit, offset)
	if err != nil {
		slog.Error("Failed to list users", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to retrieve users")
		return
	}

	userList := make([]models.UserWithRoles, 0, len(users))
	for _, user := range users {
		userList = append(userList, h.withRoles(user))
	}

	totalPages := (totalCount + limit - 1) / limit

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"users":       userList,
		"total":       totalCount,
		"page":        page,
		"limit":       limit,
		"total_pages": totalPages,
	})
}

// GetUser returns one user with roles
// @Summary Get a user
// @Description Get a single account with its roles (auditor only)
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param id path int true "User ID"
// @Success 200 {object} models.UserWithRoles
// @Failure 400 {object} map[string]string "Invalid ID"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Forbidden - auditor only"
// @Failure 404 {object} map[string]string "User not found"
// @Router /users/{id} [get]
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, ErrMsgInvalidUserID)
		return
	}

	user, err := h.userRepo.GetByID(uint(userID))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			respondWithError(w, http.StatusNotFound, ErrMsgUserNotFound)
			return
		}
		slog.Error("Failed to load user", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to retrieve user")
		return
	}

	respondWithJSON(w, http.StatusOK, h.withRoles(*user))
}

// AssignRole grants a role to a user
// @Summary Grant a role
// @Description Grant a role to a user. Role changes take effect when the user's next token is issued.
// @Tags Users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "User ID"
// @Param request body RoleChangeRequest true "Role to grant"
// @Success 200 {object} models.UserWithRoles "Updated user"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Forbidden"
// @Failure 404 {object} map[string]string "User or role not found"
// @Router /users/{id}/roles [post]
func (h *UserHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, ErrMsgInvalidUserID)
		return
	}

	var req RoleChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, ErrMsgInvalidRequestBody)
		return
	}

	// Auditors cannot modify their own roles
	callerID, _ := middleware.GetUserID(r)
	if callerID == uint(userID) {
		respondWithError(w, http.StatusForbidden, "Cannot modify your own roles")
		return
	}

	user, err := h.userRepo.GetByID(uint(userID))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			respondWithError(w, http.StatusNotFound, ErrMsgUserNotFound)
			return
		}
		slog.Error("Failed to load user", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to retrieve user")
		return
	}

	role, err := h.roleRepo.GetByName(req.Role)
	if err != nil {
		if errors.Is(err, repository.ErrRoleNotFound) {
			respondWithError(w, http.StatusNotFound, ErrMsgRoleNotFound)
			return
		}
		slog.Error("Failed to load role", "role", req.Role, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to retrieve role")
		return
	}

	if err := h.userRepo.AssignRole(user.ID, role.ID); err != nil {
		slog.Error("Failed to assign role", "user_id", user.ID, "role", role.Name, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to assign role")
		return
	}

	slog.Info("Role granted", "user_id", user.ID, "role", role.Name, "granted_by", callerID)
	respondWithJSON(w, http.StatusOK, h.withRoles(*user))
}

// RemoveRole revokes a role from a user
// @Summary Revoke a role
// @Description Revoke a role from a user. The last active auditor cannot lose the auditor role.
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Param id path int true "User ID"
// @Param role path string true "Role name"
// @Success 200 {object} models.UserWithRoles "Updated user"
// @Failure 400 {object} map[string]string "Invalid request or last auditor"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Forbidden"
// @Failure 404 {object} map[string]string "User or role not found"
// @Router /users/{id}/roles/{role} [delete]
func (h *UserHandler) RemoveRole(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, ErrMsgInvalidUserID)
		return
	}

	callerID, _ := middleware.GetUserID(r)
	if callerID == uint(userID) {
		respondWithError(w, http.StatusForbidden, "Cannot modify your own roles")
		return
	}

	user, err := h.userRepo.GetByID(uint(userID))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			respondWithError(w, http.StatusNotFound, ErrMsgUserNotFound)
			return
		}
		slog.Error("Failed to load user", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to retrieve user")
		return
	}

	role, err := h.roleRepo.GetByName(r.PathValue("role"))
	if err != nil {
		if errors.Is(err, repository.ErrRoleNotFound) {
			respondWithError(w, http.StatusNotFound, ErrMsgRoleNotFound)
			return
		}
		slog.Error("Failed to load role", "role", r.PathValue("role"), "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to retrieve role")
		return
	}

	if role.Name == "auditor" {
		isLast, err := h.userRepo.IsLastActiveAuditor(user.ID)
		if err != nil {
			slog.Error("Failed to check auditor status", "user_id", user.ID, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to verify auditor status")
			return
		}
		if isLast {
			respondWithError(w, http.StatusBadRequest, "Cannot remove the auditor role from the last active auditor")
			return
		}
	}

	if err := h.userRepo.RemoveRole(user.ID, role.ID); err != nil {
		slog.Error("Failed to remove role", "user_id", user.ID, "role", role.Name, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to remove role")
		return
	}

	slog.Info("Role revoked", "user_id", user.ID, "role", role.Name, "revoked_by", callerID)
	respondWithJSON(w, http.StatusOK, h.withRoles(*user))
}

// UpdateActiveStatus activates or deactivates an account
// @Summary Set account active status
// @Description Activate or deactivate an account. Deactivated accounts cannot log in. The last active auditor cannot be deactivated.
// @Tags Users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "User ID"
// @Param request body ActiveStatusRequest true "New status"
// @Success 200 {object} models.UserWithRoles "Updated user"
// @Failure 400 {object} map[string]string "Invalid request or last auditor"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Forbidden"
// @Failure 404 {object} map[string]string "User not found"
// @Router /users/{id}/active [put]
func (h *UserHandler) UpdateActiveStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, ErrMsgInvalidUserID)
		return
	}

	var req ActiveStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsActive == nil {
		respondWithError(w, http.StatusBadRequest, ErrMsgInvalidRequestBody)
		return
	}

	callerID, _ := middleware.GetUserID(r)
	if callerID == uint(userID) {
		respondWithError(w, http.StatusForbidden, "Cannot change your own active status")
		return
	}

	user, err := h.userRepo.GetByID(uint(userID))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			respondWithError(w, http.StatusNotFound, ErrMsgUserNotFound)
			return
		}
		slog.Error("Failed to load user", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to retrieve user")
		return
	}

	if !*req.IsActive {
		isLast, err := h.userRepo.IsLastActiveAuditor(user.ID)
		if err != nil {
			slog.Error("Failed to check auditor status", "user_id", user.ID, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to verify auditor status")
			return
		}
		if isLast {
			respondWithError(w, http.StatusBadRequest, "Cannot deactivate the last active auditor")
			return
		}
	}

	if err := h.userRepo.UpdateActiveStatus(user.ID, *req.IsActive); err != nil {
		slog.Error("Failed to update active status", "user_id", user.ID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to update active status")
		return
	}

	user.IsActive = *req.IsActive
	slog.Info("Active status changed", "user_id", user.ID, "is_active", *req.IsActive, "changed_by", callerID)
	respondWithJSON(w, http.StatusOK, h.withRoles(*user))
}

// ListRoles lists all grantable roles
// @Summary List roles
// @Description Get all roles that can be granted (auditor only)
// @Tags Users
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.Role
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Forbidden - auditor only"
// @Router /roles [get]
func (h *UserHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.roleRepo.GetAll()
	if err != nil {
		slog.Error("Failed to list roles", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to retrieve roles")
		return
	}

	respondWithJSON(w, http.StatusOK, roles)
}
