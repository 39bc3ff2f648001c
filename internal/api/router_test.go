package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/fastcrud/userapi/internal/api/handlers"
	mw "github.com/fastcrud/userapi/internal/api/middleware"
	"github.com/fastcrud/userapi/internal/repository"
	"github.com/fastcrud/userapi/internal/services"
	"github.com/fastcrud/userapi/pkg/database"
	"github.com/fastcrud/userapi/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	logger.Set(zap.NewNop())
	os.Exit(m.Run())
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

type userJSON struct {
	ID        uint   `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Age       *int   `json:"age"`
	Role      string `json:"role"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type batchJSON struct {
	Users []userJSON `json:"users"`
	Count int        `json:"count"`
}

type fakeQueue struct {
	records []services.ImportRecord
}

func (q *fakeQueue) Enqueue(ctx context.Context, records []services.ImportRecord) (string, string, error) {
	q.records = records
	return "task-1", "imports", nil
}

type testServer struct {
	handler http.Handler
	db      *gorm.DB
	queue   *fakeQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, ":memory:", database.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	require.NoError(t, repository.Migrate(ctx, db))

	repo := repository.NewUserRepository(db)
	users := services.NewUserService(repo, services.WithBcryptCost(bcrypt.MinCost))
	auth := services.NewAuthService(repo, []byte("router-test-secret"))
	queue := &fakeQueue{}

	h := NewRouter(Dependencies{
		Tokens:        auth,
		Limiter:       mw.NewLimiter(1000, 1000),
		HealthHandler: handlers.NewHealthHandler(func(ctx context.Context) error { return database.Ping(ctx, db) }),
		AuthHandler:   handlers.NewAuthHandler(auth, users),
		UsersHandler:  handlers.NewUsersHandler(users, queue),
	})
	return &testServer{handler: h, db: db, queue: queue}
}

func (s *testServer) do(t *testing.T, method, path, body string, header ...string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), "body: %s", rr.Body.String())
	return rr.Code, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestUserLifecycleScenario(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/api/users", `{"username":"alice","email":"a@x.com","password":"secret1"}`)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, env.Success)
	assert.Equal(t, "User created successfully", env.Message)
	created := decodeData[userJSON](t, env)
	assert.Equal(t, "alice", created.Username)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "user", created.Role)
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)
	assert.NotContains(t, string(env.Data), "password")

	status, env = s.do(t, http.MethodPost, "/api/users", `{"username":"alice","email":"other@x.com","password":"secret1"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, env.Success)
	assert.Equal(t, "DuplicateResource", env.Error)
	assert.JSONEq(t, `{"fields":["username"]}`, string(env.Details))

	status, env = s.do(t, http.MethodGet, "/api/users/99999", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NotFound", env.Error)
	assert.Equal(t, "User not found", env.Message)

	path := fmt.Sprintf("/api/users/%d", created.ID)
	status, env = s.do(t, http.MethodPut, path, `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "EmptyUpdate", env.Error)

	status, env = s.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
	assert.Equal(t, "User deleted successfully", env.Message)

	status, env = s.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NotFound", env.Error)
}

func TestUpdateMergesFields(t *testing.T) {
	s := newTestServer(t)

	_, env := s.do(t, http.MethodPost, "/api/users", `{"username":"alice","email":"a@x.com","password":"secret1","age":30,"role":"guest"}`)
	created := decodeData[userJSON](t, env)
	path := fmt.Sprintf("/api/users/%d", created.ID)

	status, env := s.do(t, http.MethodPut, path, `{"email":"new@x.com"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "User updated successfully", env.Message)

	_, env = s.do(t, http.MethodGet, path, "")
	got := decodeData[userJSON](t, env)
	assert.Equal(t, "new@x.com", got.Email)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "guest", got.Role)
	require.NotNil(t, got.Age)
	assert.Equal(t, 30, *got.Age)

	status, env = s.do(t, http.MethodPut, path, `{"age":null}`)
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, decodeData[userJSON](t, env).Age)

	status, env = s.do(t, http.MethodPut, path, `{"username":""}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ValidationError", env.Error)

	status, env = s.do(t, http.MethodPut, path, `{"status":"banned"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `[{"field":"status","message":"is not allowed"}]`, string(env.Details))

	status, env = s.do(t, http.MethodPut, "/api/users/99999", `{"age":3}`)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCreateValidationDetails(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/api/users", `{"username":"a","email":"nope","age":151,"extra":true}`)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ValidationError", env.Error)
	assert.JSONEq(t, `[
		{"field":"age","message":"must be <= 150"},
		{"field":"email","message":"must be a valid email address"},
		{"field":"extra","message":"is not allowed"},
		{"field":"password","message":"is required"},
		{"field":"username","message":"must be at least 3 characters"}
	]`, string(env.Details))

	long := strings.Repeat("é", 72)
	status, env = s.do(t, http.MethodPost, "/api/users", `{"username":"carol","email":"c@x.com","password":"`+long+`"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `[{"field":"password","message":"must be at most 72 bytes"}]`, string(env.Details))

	status, env = s.do(t, http.MethodPost, "/api/users/batch", `[{"username":"carol","email":"c@x.com","password":"`+long+`"}]`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `[{"field":"users[0].password","message":"must be at most 72 bytes"}]`, string(env.Details))

	status, env = s.do(t, http.MethodPost, "/api/users", `not json`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ValidationError", env.Error)

	status, env = s.do(t, http.MethodGet, "/api/users/abc", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `[{"field":"id","message":"must be a positive integer"}]`, string(env.Details))
}

func TestListPagination(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 12; i++ {
		status, _ := s.do(t, http.MethodPost, "/api/users",
			fmt.Sprintf(`{"username":"user_%d","email":"u%d@x.com","password":"secret1"}`, i, i))
		require.Equal(t, http.StatusCreated, status)
	}

	type page struct {
		Users      []userJSON `json:"users"`
		Pagination struct {
			Page       int `json:"page"`
			Limit      int `json:"limit"`
			Total      int `json:"total"`
			TotalPages int `json:"totalPages"`
		} `json:"pagination"`
	}

	status, env := s.do(t, http.MethodGet, "/api/users", "")
	require.Equal(t, http.StatusOK, status)
	p := decodeData[page](t, env)
	assert.Len(t, p.Users, 10)
	assert.Equal(t, 1, p.Pagination.Page)
	assert.Equal(t, 10, p.Pagination.Limit)
	assert.Equal(t, 12, p.Pagination.Total)
	assert.Equal(t, 2, p.Pagination.TotalPages)
	assert.Equal(t, "user_11", p.Users[0].Username)

	_, env = s.do(t, http.MethodGet, "/api/users?page=2&limit=5", "")
	p = decodeData[page](t, env)
	assert.Len(t, p.Users, 5)
	assert.Equal(t, 3, p.Pagination.TotalPages)

	_, env = s.do(t, http.MethodGet, "/api/users?page=50", "")
	p = decodeData[page](t, env)
	assert.NotNil(t, p.Users)
	assert.Empty(t, p.Users)

	_, env = s.do(t, http.MethodGet, "/api/users?page=4611686018427387904&limit=4", "")
	p = decodeData[page](t, env)
	assert.NotNil(t, p.Users)
	assert.Empty(t, p.Users)
	assert.Equal(t, 12, p.Pagination.Total)
	assert.Equal(t, 3, p.Pagination.TotalPages)

	status, env = s.do(t, http.MethodGet, "/api/users?page=99999999999999999999", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ValidationError", env.Error)

	status, env = s.do(t, http.MethodGet, "/api/users?limit=101", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ValidationError", env.Error)

	status, _ = s.do(t, http.MethodGet, "/api/users?role=guest", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestBatchIsAllOrNothing(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/api/users/batch", `{"users":[
		{"username":"one","email":"1@x.com","password":"secret1"},
		{"username":"two","email":"2@x.com","password":"secret1","role":"admin"}
	]}`)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "Users created successfully", env.Message)
	batch := decodeData[batchJSON](t, env)
	assert.Equal(t, 2, batch.Count)
	assert.Equal(t, "admin", batch.Users[1].Role)

	status, env = s.do(t, http.MethodPost, "/api/users/batch", `[
		{"username":"three","email":"3@x.com","password":"secret1"},
		{"username":"one","email":"4@x.com","password":"secret1"}
	]`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "DuplicateResource", env.Error)

	status, env = s.do(t, http.MethodPost, "/api/users/batch", `[
		{"username":"four","email":"5@x.com","password":"secret1"},
		{"username":"x","email":"6@x.com"}
	]`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `[
		{"field":"users[1].password","message":"is required"},
		{"field":"users[1].username","message":"must be at least 3 characters"}
	]`, string(env.Details))

	var count int64
	require.NoError(t, s.db.Table("users").Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestImportEnqueuesHashedRecords(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/api/users/import", `[{"username":"imp","email":"i@x.com","password":"secret1"}]`)
	require.Equal(t, http.StatusAccepted, status)
	assert.JSONEq(t, `{"task_id":"task-1","queue":"imports","count":1}`, string(env.Data))
	require.Len(t, s.queue.records, 1)
	assert.True(t, strings.HasPrefix(s.queue.records[0].PasswordHash, "$2"))
}

func TestLoginAndMe(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/users", `{"username":"alice","email":"a@x.com","password":"secret1"}`)

	status, env := s.do(t, http.MethodPost, "/api/auth/login", `{"email":"a@x.com","password":"wrong!"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Unauthorized", env.Error)

	status, env = s.do(t, http.MethodPost, "/api/auth/login", `{"email":"a@x.com","password":"secret1"}`)
	require.Equal(t, http.StatusOK, status)
	login := decodeData[struct {
		Token string   `json:"token"`
		User  userJSON `json:"user"`
	}](t, env)
	require.NotEmpty(t, login.Token)

	status, env = s.do(t, http.MethodGet, "/api/auth/me", "", "Authorization", "Bearer "+login.Token)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", decodeData[userJSON](t, env).Username)

	status, _ = s.do(t, http.MethodGet, "/api/auth/me", "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRoutingEnvelopes(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodGet, "/api/nothing", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NotFound", env.Error)

	status, env = s.do(t, http.MethodPatch, "/api/users/1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	assert.False(t, env.Success)

	status, _ = s.do(t, http.MethodGet, "/api/users/", "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)

	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	var health struct {
		Status    string  `json:"status"`
		Timestamp string  `json:"timestamp"`
		Uptime    float64 `json:"uptime"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.NotEmpty(t, health.Timestamp)
	assert.NotContains(t, rr.Body.String(), "success")
}

func TestRateLimitKeysOnProxyHeaderOnlyWhenTrusted(t *testing.T) {
	build := func(trust bool) http.Handler {
		s := newTestServer(t)
		return NewRouter(Dependencies{
			TrustProxy:    trust,
			Limiter:       mw.NewLimiter(1, 1),
			HealthHandler: handlers.NewHealthHandler(nil),
			UsersHandler:  handlers.NewUsersHandler(services.NewUserService(repository.NewUserRepository(s.db)), nil),
			AuthHandler:   handlers.NewAuthHandler(nil, nil),
		})
	}
	hit := func(h http.Handler, forwarded string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		req.Header.Set("X-Forwarded-For", forwarded)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	direct := build(false)
	assert.Equal(t, http.StatusOK, hit(direct, "1.1.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit(direct, "2.2.2.2"))

	proxied := build(true)
	assert.Equal(t, http.StatusOK, hit(proxied, "1.1.1.1"))
	assert.Equal(t, http.StatusOK, hit(proxied, "2.2.2.2"))
	assert.Equal(t, http.StatusTooManyRequests, hit(proxied, "1.1.1.1"))
}

func TestStoreFailureIsSanitized(t *testing.T) {
	s := newTestServer(t)
	handlers.ExposeInternalErrors(false)
	require.NoError(t, database.Close(s.db))

	status, env := s.do(t, http.MethodGet, "/api/users", "")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "InternalServerError", env.Error)
	assert.Equal(t, "An unexpected error occurred", env.Message)

	status, _ = s.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/api/users", "")

	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `route="/api/users`)
}
