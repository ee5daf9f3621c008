package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"caseflow/auth"
	"caseflow/dispute"
	"caseflow/hub"
	"caseflow/notification"
)

type memUsers struct {
	byEmail map[string]auth.User
	byID    map[string]auth.User
	nextID  int
}

func newMemUsers() *memUsers {
	return &memUsers{byEmail: make(map[string]auth.User), byID: make(map[string]auth.User), nextID: 1}
}

func (m *memUsers) CreateUser(ctx context.Context, params auth.CreateUserParams) (auth.User, error) {
	if _, ok := m.byEmail[params.Email]; ok {
		return auth.User{}, auth.ErrDuplicateEmail
	}
	user := auth.User{
		ID:           fmt.Sprintf("user-%d", m.nextID),
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
	}
	m.nextID++
	m.byEmail[user.Email] = user
	m.byID[user.ID] = user
	return user, nil
}

func (m *memUsers) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	user, ok := m.byEmail[email]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return user, nil
}

func (m *memUsers) GetUserByID(ctx context.Context, userID string) (auth.User, error) {
	user, ok := m.byID[userID]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return user, nil
}

type fakeRoles struct {
	roles map[string]dispute.Role
}

func (f *fakeRoles) Resolve(ctx context.Context, userID, disputeID string) (dispute.Role, error) {
	role, ok := f.roles[userID]
	if !ok {
		return "", dispute.ErrUnauthorized
	}
	return role, nil
}

type fakeMachine struct {
	lastReq dispute.TransitionRequest
	err     error
	d       dispute.Dispute
}

func (f *fakeMachine) RequestTransition(ctx context.Context, req dispute.TransitionRequest) (dispute.Dispute, dispute.DomainEvent, error) {
	f.lastReq = req
	if f.err != nil {
		return dispute.Dispute{}, dispute.DomainEvent{}, f.err
	}
	return f.d, dispute.DomainEvent{}, nil
}

func (f *fakeMachine) RecordMessage(ctx context.Context, disputeID, senderID string) (dispute.Dispute, error) {
	if f.err != nil {
		return dispute.Dispute{}, f.err
	}
	d := f.d
	d.MessageCount++
	return d, nil
}

type fakeDisputeStore struct {
	d dispute.Dispute
}

func (f *fakeDisputeStore) Create(ctx context.Context, params dispute.CreateParams) (dispute.Dispute, error) {
	return dispute.Dispute{ID: "d-new", PlaintiffID: params.PlaintiffID, RespondentID: params.RespondentID, Status: dispute.StatusPending}, nil
}

func (f *fakeDisputeStore) Get(ctx context.Context, disputeID string) (dispute.Dispute, error) {
	if disputeID != f.d.ID {
		return dispute.Dispute{}, dispute.ErrNotFound
	}
	return f.d, nil
}

func (f *fakeDisputeStore) ListForUser(ctx context.Context, userID string) ([]dispute.Dispute, error) {
	return []dispute.Dispute{f.d}, nil
}

type fakeNotifications struct {
	unread int
}

func (f *fakeNotifications) List(ctx context.Context, recipientID string, unreadOnly bool) ([]notification.Notification, error) {
	return nil, nil
}
func (f *fakeNotifications) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	return f.unread, nil
}
func (f *fakeNotifications) MarkRead(ctx context.Context, recipientID, id string) error {
	if id == "missing" {
		return notification.ErrNotFound
	}
	return nil
}
func (f *fakeNotifications) MarkAllRead(ctx context.Context, recipientID string) error { return nil }
func (f *fakeNotifications) Dismiss(ctx context.Context, recipientID, id string) error { return nil }
func (f *fakeNotifications) AcknowledgeAction(ctx context.Context, recipientID, disputeID string, t notification.Type) error {
	return nil
}

type testEnv struct {
	router   http.Handler
	authSvc  *auth.Service
	users    *memUsers
	machine  *fakeMachine
	roles    *fakeRoles
	registry *hub.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	users := newMemUsers()
	authSvc := auth.NewService(users, "test-secret")
	roles := &fakeRoles{roles: map[string]dispute.Role{}}
	machine := &fakeMachine{d: dispute.Dispute{ID: "d-1", Status: dispute.StatusActive}}
	registry := hub.NewRegistry()
	h := hub.New(context.Background(), registry, nil, zerolog.Nop())

	handler := NewHandler(
		authSvc,
		roles,
		&fakeDisputeStore{d: dispute.Dispute{ID: "d-1", PlaintiffID: "user-1", Status: dispute.StatusActive}},
		machine,
		&fakeNotifications{unread: 3},
		h,
		registry,
		hub.NewPresence(),
		zerolog.Nop(),
	)
	return &testEnv{router: NewRouter(handler), authSvc: authSvc, users: users, machine: machine, roles: roles, registry: registry}
}

// registerAndLogin creates an account through the API and returns its token
// and user id.
func (e *testEnv) registerAndLogin(t *testing.T, email string) (string, string) {
	t.Helper()

	body, _ := json.Marshal(map[string]string{
		"email": email, "password": "strongpassword", "full_name": "Test User",
	})
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/register", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d body = %s", rec.Code, rec.Body)
	}

	body, _ = json.Marshal(map[string]string{"email": email, "password": "strongpassword"})
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d body = %s", rec.Code, rec.Body)
	}

	var resp struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.Token, resp.User.ID
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/notifications", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/notifications", "garbage-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRegisterLoginAndFetch(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.registerAndLogin(t, "alice@example.com")

	rec := env.do(t, http.MethodGet, "/v1/notifications/unread-count", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var resp map[string]int
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["unread_count"] != 3 {
		t.Fatalf("unread_count = %d, want 3", resp["unread_count"])
	}
}

func TestTransitionCarriesActorAndRole(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.registerAndLogin(t, "alice@example.com")
	env.roles.roles[userID] = dispute.RoleRespondent

	rec := env.do(t, http.MethodPost, "/v1/disputes/d-1/accept", token, map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}

	got := env.machine.lastReq
	if got.Action != dispute.ActionAccept || got.DisputeID != "d-1" {
		t.Fatalf("request = %+v", got)
	}
	if got.ActorID != userID || got.ActorRole != dispute.RoleRespondent {
		t.Fatalf("actor = %q role = %q", got.ActorID, got.ActorRole)
	}
}

func TestVotePassesChoice(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.registerAndLogin(t, "alice@example.com")
	env.roles.roles[userID] = dispute.RolePlaintiff

	rec := env.do(t, http.MethodPost, "/v1/disputes/d-1/vote", token, map[string]int{"choice": -1})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	if env.machine.lastReq.Choice == nil || *env.machine.lastReq.Choice != dispute.ChoiceRejectAll {
		t.Fatalf("choice = %v", env.machine.lastReq.Choice)
	}
}

func TestErrorTaxonomyMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{dispute.ErrInvalidTransition, http.StatusConflict},
		{dispute.ErrAlreadyActioned, http.StatusConflict},
		{dispute.ErrConcurrencyConflict, http.StatusConflict},
		{dispute.ErrLimitExceeded, http.StatusUnprocessableEntity},
		{dispute.ErrValidationFailed, http.StatusBadRequest},
		{dispute.ErrNotFound, http.StatusNotFound},
	}

	for _, tc := range cases {
		env := newTestEnv(t)
		token, userID := env.registerAndLogin(t, "alice@example.com")
		env.roles.roles[userID] = dispute.RolePlaintiff
		env.machine.err = tc.err

		rec := env.do(t, http.MethodPost, "/v1/disputes/d-1/reanalysis", token, map[string]any{})
		if rec.Code != tc.want {
			t.Fatalf("%v: status = %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestNonPartyIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.registerAndLogin(t, "stranger@example.com")

	rec := env.do(t, http.MethodGet, "/v1/disputes/d-1", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/disputes/d-1/accept", token, map[string]any{})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("transition status = %d, want 403", rec.Code)
	}
}

func TestAdminRoleComesFromToken(t *testing.T) {
	env := newTestEnv(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("strongpassword"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if _, err := env.users.CreateUser(context.Background(), auth.CreateUserParams{
		Email: "admin@example.com", FullName: "Admin", PasswordHash: string(hash), Role: auth.RoleAdmin,
	}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email": "admin@example.com", "password": "strongpassword",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("admin login status = %d body = %s", rec.Code, rec.Body)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}

	// No per-dispute role entry exists for the admin; the signed claim
	// alone authorizes the transition.
	rec = env.do(t, http.MethodPost, "/v1/disputes/d-1/approve", resp.Token, map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d body = %s", rec.Code, rec.Body)
	}
	if got := env.machine.lastReq.ActorRole; got != dispute.RoleAdmin {
		t.Fatalf("actor role = %q, want admin", got)
	}
}

// deadlineStore records whether reads arrived with a deadline attached.
type deadlineStore struct {
	fakeDisputeStore
	mu          sync.Mutex
	hadDeadline bool
}

func (s *deadlineStore) Get(ctx context.Context, disputeID string) (dispute.Dispute, error) {
	s.mu.Lock()
	_, s.hadDeadline = ctx.Deadline()
	s.mu.Unlock()
	return s.fakeDisputeStore.Get(ctx, disputeID)
}

func TestResyncFetchIsTimeBounded(t *testing.T) {
	store := &deadlineStore{fakeDisputeStore: fakeDisputeStore{d: dispute.Dispute{ID: "d-1"}}}
	registry := hub.NewRegistry()
	handler := NewHandler(
		auth.NewService(newMemUsers(), "test-secret"),
		&fakeRoles{},
		store,
		&fakeMachine{},
		&fakeNotifications{},
		hub.New(context.Background(), registry, nil, zerolog.Nop()),
		registry,
		hub.NewPresence(),
		zerolog.Nop(),
	)

	handler.resyncOne(context.Background(), hub.ResyncRequest{Room: "d-1", ConnID: "c1", UserID: "u1"})

	store.mu.Lock()
	defer store.mu.Unlock()
	if !store.hadDeadline {
		t.Fatal("resync fetch ran without a deadline")
	}
}

func TestMissingNotificationIs404(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.registerAndLogin(t, "alice@example.com")

	rec := env.do(t, http.MethodPost, "/v1/notifications/missing/read", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
