package handlers_test

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"veilrate/internal/auth"
	"veilrate/internal/config"
	"veilrate/internal/handlers"
	"veilrate/internal/he"
	"veilrate/internal/keyring"
	"veilrate/internal/middleware"
	"veilrate/internal/models"
	"veilrate/internal/oracle"
	"veilrate/internal/repository"
	"veilrate/internal/service"
	"veilrate/internal/testutil"

	"github.com/google/uuid"
)

// apiStack assembles the HTTP surface the way cmd/api does: the same routes,
// the same route-level auth wrapping, and the same global middleware chain.
// The embedded oracle is wired but never started; callback tests sign their
// own answers with the oracle key.
type apiStack struct {
	containers *testutil.TestContainers
	fixtures   *testutil.Fixtures
	auth       *testutil.AuthHelper

	encrypter   *he.Encrypter
	signKey     ed25519.PrivateKey
	pendingRepo *repository.PendingRequestRepository

	handler http.Handler
}

func setupAPI(t *testing.T) *apiStack {
	t.Helper()

	containers := testutil.SetupTestContainers(t)
	t.Cleanup(func() { containers.Cleanup(t) })

	fixtures := testutil.SetupFixtures(t, containers.DB)

	engine, err := he.NewEngine()
	if err != nil {
		t.Fatalf("Failed to initialize encryption engine: %v", err)
	}

	// Locally wrapped keyring, the same code path cmd/api takes without Vault
	ring, err := keyring.Load(containers.DB, nil, string(containers.JWTSecret), engine)
	if err != nil {
		t.Fatalf("Failed to load oracle keyring: %v", err)
	}

	signKey, err := ring.SigningKey()
	if err != nil {
		t.Fatalf("Oracle signing key unavailable: %v", err)
	}
	heSecret, err := ring.HESecretKey()
	if err != nil {
		t.Fatalf("Oracle decryption key unavailable: %v", err)
	}

	embedded, err := oracle.NewEmbedded(engine, signKey, ring.HEPublicKey(), heSecret, 0)
	if err != nil {
		t.Fatalf("Failed to build embedded oracle: %v", err)
	}

	encrypter, err := engine.NewEncrypter(ring.HEPublicKey())
	if err != nil {
		t.Fatalf("Failed to bind encrypter: %v", err)
	}

	jwtConfig := &config.JWTConfig{
		Secret:            string(containers.JWTSecret),
		Issuer:            "veilrate",
		AccessTokenExpiry: time.Hour,
	}
	ratingConfig := &config.RatingConfig{MaxCiphertextBytes: 1 << 20}
	appConfig := &config.Config{
		App:    config.AppConfig{Name: "veilrate", Version: "test"},
		JWT:    *jwtConfig,
		Oracle: config.OracleConfig{Mode: "embedded"},
		Rating: *ratingConfig,
	}

	userRepo := repository.NewUserRepository(containers.DB)
	roleRepo := repository.NewRoleRepository(containers.DB)
	recordRepo := repository.NewRecordRepository(containers.DB)
	pendingRepo := repository.NewPendingRequestRepository(containers.DB)
	aggregateRepo := repository.NewSubjectAggregateRepository(containers.DB)
	eventRepo := repository.NewEventRepository(containers.DB)

	jwtService := auth.NewService(jwtConfig)
	authService := service.NewAuthService(userRepo, roleRepo, jwtService)
	ratingService := service.NewRatingService(containers.DB, recordRepo, ratingConfig.MaxCiphertextBytes)
	protocolService := service.NewProtocolService(containers.DB, embedded, recordRepo, pendingRepo, aggregateRepo, 0)
	aggregateService := service.NewAggregateService(aggregateRepo)
	eventService := service.NewEventService(eventRepo)

	authMw := middleware.NewAuthMiddleware(jwtService)
	rbacMw := middleware.NewRBACMiddleware()
	corsMw := middleware.NewCORSMiddleware(&config.CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})

	authHandler := handlers.NewAuthHandler(authService, jwtConfig)
	ratingHandler := handlers.NewRatingHandler(ratingService, protocolService, ratingConfig)
	aggregateHandler := handlers.NewAggregateHandler(aggregateService, protocolService)
	callbackHandler := handlers.NewCallbackHandler(protocolService)
	eventHandler := handlers.NewEventHandler(eventService)
	userHandler := handlers.NewUserHandler(userRepo, roleRepo)
	configHandler := handlers.NewConfigHandler(appConfig, ring, engine)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/v1/auth/login", authHandler.Login)
	mux.Handle("GET /api/v1/auth/me", authMw.Authenticate(http.HandlerFunc(authHandler.Me)))

	mux.Handle("POST /api/v1/ratings",
		authMw.Authenticate(rbacMw.RequireRole("rater")(http.HandlerFunc(ratingHandler.Submit))))
	mux.HandleFunc("GET /api/v1/ratings/{id}/reveal", ratingHandler.GetReveal)
	mux.Handle("POST /api/v1/ratings/{id}/reveal-requests",
		authMw.Authenticate(rbacMw.RequireRole("rater")(http.HandlerFunc(ratingHandler.RequestReveal))))

	mux.HandleFunc("GET /api/v1/subjects/{subjectId}/aggregate", aggregateHandler.GetAggregate)
	mux.Handle("POST /api/v1/subjects/{subjectId}/aggregate/reveal-requests",
		authMw.Authenticate(rbacMw.RequireRole("auditor")(http.HandlerFunc(aggregateHandler.RequestReveal))))

	mux.HandleFunc("POST /api/v1/oracle/callback", callbackHandler.HandleCallback)

	mux.HandleFunc("GET /api/v1/events", eventHandler.List)
	mux.Handle("GET /api/v1/events/verify",
		authMw.Authenticate(rbacMw.RequireRole("auditor")(http.HandlerFunc(eventHandler.Verify))))

	mux.HandleFunc("GET /api/v1/config", configHandler.GetClientConfig)

	mux.Handle("GET /api/v1/users",
		authMw.Authenticate(rbacMw.RequireRole("auditor")(http.HandlerFunc(userHandler.ListUsers))))
	mux.Handle("GET /api/v1/users/{id}",
		authMw.Authenticate(rbacMw.RequireRole("auditor")(http.HandlerFunc(userHandler.GetUser))))
	mux.Handle("POST /api/v1/users/{id}/roles",
		authMw.Authenticate(rbacMw.RequireRole("auditor")(http.HandlerFunc(userHandler.AssignRole))))
	mux.Handle("DELETE /api/v1/users/{id}/roles/{role}",
		authMw.Authenticate(rbacMw.RequireRole("auditor")(http.HandlerFunc(userHandler.RemoveRole))))
	mux.Handle("PUT /api/v1/users/{id}/active",
		authMw.Authenticate(rbacMw.RequireRole("auditor")(http.HandlerFunc(userHandler.UpdateActiveStatus))))
	mux.Handle("GET /api/v1/roles",
		authMw.Authenticate(rbacMw.RequireRole("auditor")(http.HandlerFunc(userHandler.ListRoles))))

	return &apiStack{
		containers:  containers,
		fixtures:    fixtures,
		auth:        testutil.NewAuthHelper(),
		encrypter:   encrypter,
		signKey:     signKey,
		pendingRepo: pendingRepo,
		handler:     middleware.SecurityHeaders(corsMw.Handler(mux)),
	}
}

func (s *apiStack) do(req *http.Request) *testutil.TestResponse {
	resp := testutil.NewTestResponse()
	s.handler.ServeHTTP(resp, req)
	return resp
}

func (s *apiStack) jsonRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request body: %v", err)
	}

	req := httptest.NewRequest(method, url, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (s *apiStack) submitRequestBody(t *testing.T, subjectID uuid.UUID, score uint32, tags string) map[string]interface{} {
	t.Helper()

	encryptedScore, err := s.encrypter.EncryptScore(score)
	if err != nil {
		t.Fatalf("Failed to encrypt score: %v", err)
	}
	encryptedTags, err := s.encrypter.EncryptTags(tags)
	if err != nil {
		t.Fatalf("Failed to encrypt tags: %v", err)
	}

	return map[string]interface{}{
		"subject_id":      subjectID.String(),
		"encrypted_score": encryptedScore,
		"encrypted_tags":  encryptedTags,
	}
}

// TestRouteAuthorization checks that every protected route rejects missing
// tokens and insufficient roles, and that the read surface stays public
func TestRouteAuthorization(t *testing.T) {
	stack := setupAPI(t)
	subjectPath := fmt.Sprintf("/api/v1/subjects/%s/aggregate", stack.fixtures.SubjectID)

	cases := []struct {
		name   string
		method string
		url    string
		user   string // "", "rater", "auditor"
		want   int
	}{
		{"SubmitWithoutToken", "POST", "/api/v1/ratings", "", http.StatusUnauthorized},
		{"SubmitAsAuditorOnly", "POST", "/api/v1/ratings", "auditor", http.StatusForbidden},
		{"RevealRequestWithoutToken", "POST", "/api/v1/ratings/1/reveal-requests", "", http.StatusUnauthorized},
		{"AggregateRevealAsRater", "POST", subjectPath + "/reveal-requests", "rater", http.StatusForbidden},
		{"VerifyChainWithoutToken", "GET", "/api/v1/events/verify", "", http.StatusUnauthorized},
		{"VerifyChainAsRater", "GET", "/api/v1/events/verify", "rater", http.StatusForbidden},
		{"VerifyChainAsAuditor", "GET", "/api/v1/events/verify", "auditor", http.StatusOK},
		{"MeWithoutToken", "GET", "/api/v1/auth/me", "", http.StatusUnauthorized},
		{"ListUsersWithoutToken", "GET", "/api/v1/users", "", http.StatusUnauthorized},
		{"ListUsersAsRater", "GET", "/api/v1/users", "rater", http.StatusForbidden},
		{"ListUsersAsAuditor", "GET", "/api/v1/users", "auditor", http.StatusOK},
		{"ListRolesAsRater", "GET", "/api/v1/roles", "rater", http.StatusForbidden},
		{"PublicRevealState", "GET", "/api/v1/ratings/999/reveal", "", http.StatusNotFound},
		{"PublicAggregate", "GET", subjectPath, "", http.StatusOK},
		{"PublicEvents", "GET", "/api/v1/events", "", http.StatusOK},
		{"PublicClientConfig", "GET", "/api/v1/config", "", http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.url, nil)

			switch tc.user {
			case "rater":
				// Token carries only the rater role even for the auditor user
				stack.auth.AddAuthHeader(t, req, stack.fixtures.RaterUser, []string{"rater"})
			case "auditor":
				stack.auth.AddAuthHeader(t, req, stack.fixtures.AuditorUser, []string{"auditor"})
			}

			resp := stack.do(req)
			resp.AssertStatus(t, tc.want)
		})
	}

	t.Run("GarbageToken", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/auth/me", nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		stack.do(req).AssertStatusUnauthorized(t)
	})

	t.Run("SecurityHeadersApplied", func(t *testing.T) {
		resp := stack.do(httptest.NewRequest("GET", "/api/v1/events", nil))
		if resp.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Error("Expected X-Content-Type-Options: nosniff on API responses")
		}
		if resp.Header().Get("X-Frame-Options") != "DENY" {
			t.Error("Expected X-Frame-Options: DENY on API responses")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/api/v1/ratings", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		resp := stack.do(req)
		resp.AssertStatusOK(t)
		if resp.Header().Get("Access-Control-Allow-Origin") == "" {
			t.Error("Expected CORS headers on preflight response")
		}
	})
}

// TestClientConfig checks that a rating client can bootstrap from the public
// config endpoint alone: fetch the served key, encrypt under it, submit.
func TestClientConfig(t *testing.T) {
	stack := setupAPI(t)

	resp := stack.do(httptest.NewRequest("GET", "/api/v1/config", nil))
	resp.AssertStatusOK(t)

	var cfg struct {
		Encryption struct {
			Scheme           string `json:"scheme"`
			LogN             int    `json:"log_n"`
			PlaintextModulus uint64 `json:"plaintext_modulus"`
			MaxTagBytes      int    `json:"max_tag_bytes"`
			PublicKey        []byte `json:"public_key"`
		} `json:"encryption"`
		Oracle struct {
			Mode             string `json:"mode"`
			SigningPublicKey []byte `json:"signing_public_key"`
		} `json:"oracle"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("Failed to decode client config: %v", err)
	}

	if cfg.Encryption.Scheme != "bfv" || cfg.Encryption.LogN == 0 || cfg.Encryption.PlaintextModulus == 0 {
		t.Errorf("Unexpected encryption parameters: %+v", cfg.Encryption)
	}
	if cfg.Encryption.MaxTagBytes == 0 {
		t.Error("Expected a nonzero tag capacity")
	}
	if len(cfg.Oracle.SigningPublicKey) != ed25519.PublicKeySize {
		t.Errorf("Expected a %d byte signing key, got %d", ed25519.PublicKeySize, len(cfg.Oracle.SigningPublicKey))
	}

	// Bind a fresh encrypter to the served key, exactly like a remote client
	clientEngine, err := he.NewEngine()
	if err != nil {
		t.Fatalf("Failed to build client engine: %v", err)
	}
	clientEncrypter, err := clientEngine.NewEncrypter(cfg.Encryption.PublicKey)
	if err != nil {
		t.Fatalf("Failed to bind the served public key: %v", err)
	}

	encryptedScore, err := clientEncrypter.EncryptScore(3)
	if err != nil {
		t.Fatalf("Failed to encrypt score: %v", err)
	}
	encryptedTags, err := clientEncrypter.EncryptTags("Fair")
	if err != nil {
		t.Fatalf("Failed to encrypt tags: %v", err)
	}

	body := map[string]interface{}{
		"subject_id":      stack.fixtures.SubjectID.String(),
		"encrypted_score": encryptedScore,
		"encrypted_tags":  encryptedTags,
	}
	req := stack.jsonRequest(t, "POST", "/api/v1/ratings", body)
	stack.auth.AddAuthHeader(t, req, stack.fixtures.RaterUser, []string{"rater"})
	stack.do(req).AssertStatusCreated(t)

	t.Log("✅ PASS: A rating client can bootstrap from the public config alone")
}

func hasRole(roles []models.Role, name string) bool {
	for _, role := range roles {
		if role.Name == name {
			return true
		}
	}
	return false
}

// TestUserAdministration drives the auditor-only account surface: listing,
// role grants and revocations, activation, and the guards that keep a
// deployment from locking itself out.
func TestUserAdministration(t *testing.T) {
	stack := setupAPI(t)
	auditor := stack.fixtures.AuditorUser
	rater := stack.fixtures.RaterUser
	inactive := stack.fixtures.InactiveUser

	do := func(t *testing.T, method, url string, body interface{}, as *models.User, roles ...string) *testutil.TestResponse {
		t.Helper()
		var req *http.Request
		if body != nil {
			req = stack.jsonRequest(t, method, url, body)
		} else {
			req = httptest.NewRequest(method, url, nil)
		}
		stack.auth.AddAuthHeader(t, req, as, roles)
		return stack.do(req)
	}

	t.Run("ListUsersWithPagination", func(t *testing.T) {
		resp := do(t, "GET", "/api/v1/users?page=1&limit=2", nil, auditor, "auditor")
		resp.AssertStatusOK(t)

		var list struct {
			Users      []models.UserWithRoles `json:"users"`
			Total      int                    `json:"total"`
			Page       int                    `json:"page"`
			Limit      int                    `json:"limit"`
			TotalPages int                    `json:"total_pages"`
		}
		if err := json.Unmarshal(resp.Body.Bytes(), &list); err != nil {
			t.Fatalf("Failed to decode user list: %v", err)
		}
		if list.Total < 3 {
			t.Errorf("Expected at least the three fixture users, got total %d", list.Total)
		}
		if len(list.Users) != 2 || list.Limit != 2 {
			t.Errorf("Expected a page of 2 users, got %d with limit %d", len(list.Users), list.Limit)
		}
	})

	t.Run("GetUserWithRoles", func(t *testing.T) {
		resp := do(t, "GET", fmt.Sprintf("/api/v1/users/%d", rater.ID), nil, auditor, "auditor")
		resp.AssertStatusOK(t)

		var got models.UserWithRoles
		if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
			t.Fatalf("Failed to decode user: %v", err)
		}
		if got.Email != rater.Email {
			t.Errorf("Expected %s, got %s", rater.Email, got.Email)
		}
		if len(got.Roles) != 1 || got.Roles[0].Name != "rater" {
			t.Errorf("Expected exactly the rater role, got %+v", got.Roles)
		}
	})

	t.Run("UnknownUser", func(t *testing.T) {
		do(t, "GET", "/api/v1/users/999999", nil, auditor, "auditor").AssertStatusNotFound(t)
	})

	t.Run("ListRoles", func(t *testing.T) {
		resp := do(t, "GET", "/api/v1/roles", nil, auditor, "auditor")
		resp.AssertStatusOK(t)

		var roles []models.Role
		if err := json.Unmarshal(resp.Body.Bytes(), &roles); err != nil {
			t.Fatalf("Failed to decode roles: %v", err)
		}
		names := make(map[string]bool, len(roles))
		for _, role := range roles {
			names[role.Name] = true
		}
		if !names["rater"] || !names["auditor"] {
			t.Errorf("Expected rater and auditor roles, got %v", names)
		}
	})

	t.Run("SelfModificationRefused", func(t *testing.T) {
		body := map[string]string{"role": "rater"}
		do(t, "POST", fmt.Sprintf("/api/v1/users/%d/roles", auditor.ID), body, auditor, "auditor").AssertStatusForbidden(t)

		status := map[string]bool{"is_active": false}
		do(t, "PUT", fmt.Sprintf("/api/v1/users/%d/active", auditor.ID), status, auditor, "auditor").AssertStatusForbidden(t)
	})

	t.Run("UnknownRole", func(t *testing.T) {
		body := map[string]string{"role": "wizard"}
		do(t, "POST", fmt.Sprintf("/api/v1/users/%d/roles", rater.ID), body, auditor, "auditor").AssertStatusNotFound(t)
	})

	t.Run("GrantAuditor", func(t *testing.T) {
		body := map[string]string{"role": "auditor"}
		resp := do(t, "POST", fmt.Sprintf("/api/v1/users/%d/roles", rater.ID), body, auditor, "auditor")
		resp.AssertStatusOK(t)

		var got models.UserWithRoles
		if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
			t.Fatalf("Failed to decode user: %v", err)
		}
		if !hasRole(got.Roles, "auditor") {
			t.Errorf("Expected the auditor role after the grant, got %+v", got.Roles)
		}
	})

	t.Run("ActivateAccount", func(t *testing.T) {
		status := map[string]bool{"is_active": true}
		resp := do(t, "PUT", fmt.Sprintf("/api/v1/users/%d/active", inactive.ID), status, auditor, "auditor")
		resp.AssertStatusOK(t)

		var got models.UserWithRoles
		if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
			t.Fatalf("Failed to decode user: %v", err)
		}
		if !got.IsActive {
			t.Error("Expected the account to come back active")
		}
	})

	t.Run("RevokeAuditorWithBackup", func(t *testing.T) {
		// The grant above made the rater a second active auditor, so the
		// original may lose the role
		resp := do(t, "DELETE", fmt.Sprintf("/api/v1/users/%d/roles/auditor", auditor.ID), nil, rater, "auditor")
		resp.AssertStatusOK(t)

		var got models.UserWithRoles
		if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
			t.Fatalf("Failed to decode user: %v", err)
		}
		if hasRole(got.Roles, "auditor") {
			t.Errorf("Expected the auditor role to be gone, got %+v", got.Roles)
		}
	})

	t.Run("LastAuditorKeepsRole", func(t *testing.T) {
		// The old auditor's token still carries the role; claims only
		// refresh on the next login
		resp := do(t, "DELETE", fmt.Sprintf("/api/v1/users/%d/roles/auditor", rater.ID), nil, auditor, "auditor")
		resp.AssertStatusBadRequest(t)
	})

	t.Run("LastAuditorStaysActive", func(t *testing.T) {
		status := map[string]bool{"is_active": false}
		do(t, "PUT", fmt.Sprintf("/api/v1/users/%d/active", rater.ID), status, auditor, "auditor").AssertStatusBadRequest(t)
	})

	t.Log("✅ PASS: Role grants flow through and the last active auditor stays protected")
}

// TestOracleCallbackProofGate drives the callback endpoint over HTTP. The
// endpoint has no session auth; a valid Ed25519 proof is the only way in.
func TestOracleCallbackProofGate(t *testing.T) {
	stack := setupAPI(t)
	subjectID := stack.fixtures.SubjectID

	// Submit a rating as a rater
	req := stack.jsonRequest(t, "POST", "/api/v1/ratings", stack.submitRequestBody(t, subjectID, 4, "Punctual"))
	stack.auth.AddAuthHeader(t, req, stack.fixtures.RaterUser, []string{"rater"})
	resp := stack.do(req)
	resp.AssertStatusCreated(t)

	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode submit response: %v", err)
	}

	// Open a reveal request
	req = httptest.NewRequest("POST", fmt.Sprintf("/api/v1/ratings/%d/reveal-requests", created.ID), nil)
	stack.auth.AddAuthHeader(t, req, stack.fixtures.RaterUser, []string{"rater"})
	resp = stack.do(req)
	resp.AssertStatus(t, http.StatusAccepted)

	var opened struct {
		RequestID uint64 `json:"request_id"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &opened); err != nil {
		t.Fatalf("Failed to decode reveal request response: %v", err)
	}
	if opened.RequestID == 0 {
		t.Fatal("Expected nonzero request id")
	}

	payload := oracle.EncodeRecordPayload(4, "Punctual")

	// A callback with a bad proof is rejected and consumes nothing
	badCallback := map[string]interface{}{
		"request_id": opened.RequestID,
		"payload":    payload,
		"proof":      make([]byte, ed25519.SignatureSize),
	}
	stack.do(stack.jsonRequest(t, "POST", "/api/v1/oracle/callback", badCallback)).AssertStatusUnauthorized(t)

	open, err := stack.pendingRepo.CountOpen()
	if err != nil {
		t.Fatalf("Failed to count pending requests: %v", err)
	}
	if open != 1 {
		t.Errorf("Expected request to survive a rejected callback, got %d open", open)
	}

	// The correctly signed callback commits the reveal
	goodCallback := map[string]interface{}{
		"request_id": opened.RequestID,
		"payload":    payload,
		"proof":      oracle.SignPayload(stack.signKey, opened.RequestID, payload),
	}
	stack.do(stack.jsonRequest(t, "POST", "/api/v1/oracle/callback", goodCallback)).AssertStatusOK(t)

	// The reveal is publicly visible
	resp = stack.do(httptest.NewRequest("GET", fmt.Sprintf("/api/v1/ratings/%d/reveal", created.ID), nil))
	resp.AssertStatusOK(t)

	var state struct {
		Score    uint32 `json:"score"`
		Tags     string `json:"tags"`
		Revealed bool   `json:"revealed"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &state); err != nil {
		t.Fatalf("Failed to decode reveal state: %v", err)
	}
	if !state.Revealed || state.Score != 4 || state.Tags != "Punctual" {
		t.Errorf("Expected revealed (4, Punctual), got (%d, %q, %v)", state.Score, state.Tags, state.Revealed)
	}

	// Replaying the consumed callback finds no open request
	stack.do(stack.jsonRequest(t, "POST", "/api/v1/oracle/callback", goodCallback)).AssertStatusNotFound(t)

	t.Log("✅ PASS: Callback endpoint accepts exactly one correctly proven answer")
}

// TestAuthenticationFlows covers registration and login over HTTP
func TestAuthenticationFlows(t *testing.T) {
	stack := setupAPI(t)

	register := map[string]string{"email": "new@test.com", "password": "longenough123"}
	stack.do(stack.jsonRequest(t, "POST", "/api/v1/auth/register", register)).AssertStatusCreated(t)

	t.Run("DuplicateEmail", func(t *testing.T) {
		resp := stack.do(stack.jsonRequest(t, "POST", "/api/v1/auth/register", register))
		resp.AssertStatus(t, http.StatusConflict)
	})

	t.Run("ShortPassword", func(t *testing.T) {
		body := map[string]string{"email": "short@test.com", "password": "short"}
		stack.do(stack.jsonRequest(t, "POST", "/api/v1/auth/register", body)).AssertStatusBadRequest(t)
	})

	t.Run("LoginAndMe", func(t *testing.T) {
		body := map[string]string{"email": "new@test.com", "password": "longenough123"}
		resp := stack.do(stack.jsonRequest(t, "POST", "/api/v1/auth/login", body))
		resp.AssertStatusOK(t)

		var login struct {
			AccessToken string `json:"access_token"`
			TokenType   string `json:"token_type"`
		}
		if err := json.Unmarshal(resp.Body.Bytes(), &login); err != nil {
			t.Fatalf("Failed to decode login response: %v", err)
		}
		if login.AccessToken == "" || login.TokenType != "Bearer" {
			t.Fatalf("Unexpected login response: %+v", login)
		}

		req := httptest.NewRequest("GET", "/api/v1/auth/me", nil)
		req.Header.Set("Authorization", "Bearer "+login.AccessToken)
		resp = stack.do(req)
		resp.AssertStatusOK(t)

		var me struct {
			Email string `json:"email"`
		}
		if err := json.Unmarshal(resp.Body.Bytes(), &me); err != nil {
			t.Fatalf("Failed to decode profile: %v", err)
		}
		if me.Email != "new@test.com" {
			t.Errorf("Expected profile email new@test.com, got %s", me.Email)
		}
	})

	t.Run("WrongPassword", func(t *testing.T) {
		body := map[string]string{"email": "new@test.com", "password": "wrongpassword"}
		stack.do(stack.jsonRequest(t, "POST", "/api/v1/auth/login", body)).AssertStatusUnauthorized(t)
	})

	t.Run("InactiveAccount", func(t *testing.T) {
		body := map[string]string{"email": stack.fixtures.InactiveUser.Email, "password": testutil.FixturePassword}
		resp := stack.do(stack.jsonRequest(t, "POST", "/api/v1/auth/login", body))
		resp.AssertStatusForbidden(t)
	})

	t.Run("UnknownEmailSameErrorAsWrongPassword", func(t *testing.T) {
		// Both must come back 401 so login cannot be used to probe for accounts
		body := map[string]string{"email": "nobody@test.com", "password": "whatever123"}
		stack.do(stack.jsonRequest(t, "POST", "/api/v1/auth/login", body)).AssertStatusUnauthorized(t)
	})
}

// TestSubmissionValidation covers the submit-side rejections
func TestSubmissionValidation(t *testing.T) {
	stack := setupAPI(t)
	subjectID := stack.fixtures.SubjectID

	submit := func(body interface{}) *testutil.TestResponse {
		req := stack.jsonRequest(t, "POST", "/api/v1/ratings", body)
		stack.auth.AddAuthHeader(t, req, stack.fixtures.RaterUser, []string{"rater"})
		return stack.do(req)
	}

	t.Run("ValidSubmission", func(t *testing.T) {
		submit(stack.submitRequestBody(t, subjectID, 5, "Helpful")).AssertStatusCreated(t)
	})

	t.Run("InvalidSubjectID", func(t *testing.T) {
		body := stack.submitRequestBody(t, subjectID, 5, "")
		body["subject_id"] = "not-a-uuid"
		submit(body).AssertStatusBadRequest(t)
	})

	t.Run("MissingCiphertext", func(t *testing.T) {
		body := stack.submitRequestBody(t, subjectID, 5, "")
		body["encrypted_score"] = []byte{}
		submit(body).AssertStatusBadRequest(t)
	})

	t.Run("OversizedCiphertext", func(t *testing.T) {
		body := stack.submitRequestBody(t, subjectID, 5, "")
		body["encrypted_score"] = make([]byte, (1<<20)+1)
		submit(body).AssertStatus(t, http.StatusRequestEntityTooLarge)
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/ratings", bytes.NewReader([]byte("{not json")))
		req.Header.Set("Content-Type", "application/json")
		stack.auth.AddAuthHeader(t, req, stack.fixtures.RaterUser, []string{"rater"})
		stack.do(req).AssertStatusBadRequest(t)
	})
}
