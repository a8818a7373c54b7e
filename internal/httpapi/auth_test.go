package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"opnameinaja/backend/internal/domain"
)

// userStoreStub is a minimal UserStore for auth tests, recording password
// updates so the legacy upgrade path can be asserted.
type userStoreStub struct {
	mu      sync.Mutex
	users   []domain.UserAccount
	updates map[string]string
}

func newUserStoreStub(users ...domain.UserAccount) *userStoreStub {
	return &userStoreStub{users: users, updates: map[string]string{}}
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, user)
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, len(s.users))
	copy(out, s.users)
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[username] = password
	for i := range s.users {
		if s.users[i].Username == username {
			s.users[i].Password = password
		}
	}
	return nil
}

func TestLoginUpgradesLegacyPlainPassword(t *testing.T) {
	stub := newUserStoreStub(domain.UserAccount{
		Username:  "admin",
		Password:  "legacy-plain",
		Role:      "admin",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", stub)

	resp, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "legacy-plain"})
	if err != nil {
		t.Fatalf("login with legacy password failed: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("expected an access token")
	}

	stub.mu.Lock()
	updated, ok := stub.updates["admin"]
	stub.mu.Unlock()
	if !ok {
		t.Fatalf("expected the plain password to be rewritten in the store")
	}
	if !strings.HasPrefix(updated, "$2") {
		t.Fatalf("expected a bcrypt hash in the store, got %q", updated)
	}
	if bcrypt.CompareHashAndPassword([]byte(updated), []byte("legacy-plain")) != nil {
		t.Fatalf("stored hash does not match the original password")
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	stub := newUserStoreStub(domain.UserAccount{
		Username: "ghost",
		Password: string(hash),
		Role:     "counter",
		Active:   false,
	})
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", stub)

	_, err = auth.Login(domain.LoginRequest{Username: "ghost", Password: "secret-pass"})
	if err == nil {
		t.Fatalf("expected inactive account login to fail")
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", nil)

	token, err := auth.sign("admin", "admin", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	actor, err := auth.ParseToken(token)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if actor.Username != "admin" || actor.Role != "admin" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	issuer := NewAuthManager("secret-one", time.Hour, "123456", nil)
	verifier := NewAuthManager("secret-two", time.Hour, "123456", nil)

	token, err := issuer.sign("admin", "admin", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := verifier.ParseToken(token); err == nil {
		t.Fatalf("expected token from another secret to be rejected")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", nil)

	token, err := auth.sign("admin", "admin", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestCreateCounterStoresPasswordHash(t *testing.T) {
	stub := newUserStoreStub()
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", stub)

	counter, err := auth.CreateCounter(domain.CounterCreateRequest{
		Username: "counter9",
		Password: "secret-pass",
	})
	if err != nil {
		t.Fatalf("create counter failed: %v", err)
	}
	if counter.Role != "counter" || !counter.Active {
		t.Fatalf("unexpected counter %+v", counter)
	}

	stub.mu.Lock()
	stored := stub.users[len(stub.users)-1]
	stub.mu.Unlock()
	if stored.Password == "secret-pass" {
		t.Fatalf("password stored in plain text")
	}
	if !strings.HasPrefix(stored.Password, "$2") {
		t.Fatalf("expected bcrypt hash, got %q", stored.Password)
	}
}

func TestCreateCounterValidation(t *testing.T) {
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", nil)

	cases := []domain.CounterCreateRequest{
		{Username: "ab", Password: "secret-pass"},
		{Username: "has space", Password: "secret-pass"},
		{Username: "counter9", Password: "short"},
	}
	for _, req := range cases {
		if _, err := auth.CreateCounter(req); err == nil {
			t.Fatalf("expected validation error for %+v", req)
		}
	}

	if _, err := auth.CreateCounter(domain.CounterCreateRequest{Username: "counter9", Password: "secret-pass"}); err != nil {
		t.Fatalf("valid request failed: %v", err)
	}
	if _, err := auth.CreateCounter(domain.CounterCreateRequest{Username: "counter9", Password: "secret-pass"}); err == nil {
		t.Fatalf("expected duplicate username to be rejected")
	}
}

func TestManagerPINIsHashedAndValidates(t *testing.T) {
	auth := NewAuthManager("test-secret-key", time.Hour, "424242", nil)

	if auth.managerPIN == "424242" {
		t.Fatalf("manager pin kept in plain text")
	}
	if !auth.ValidateManagerPIN("424242") {
		t.Fatalf("expected correct pin to validate")
	}
	if auth.ValidateManagerPIN("000000") {
		t.Fatalf("expected wrong pin to be rejected")
	}
	if auth.ValidateManagerPIN("") {
		t.Fatalf("expected empty pin to be rejected")
	}
}

func TestListCountersExcludesAdmins(t *testing.T) {
	stub := newUserStoreStub(
		domain.UserAccount{Username: "admin", Password: "$2a$04$fakefakefakefakefakefake", Role: "admin", Active: true},
		domain.UserAccount{Username: "budi", Password: "$2a$04$fakefakefakefakefakefake", Role: "counter", Active: true},
		domain.UserAccount{Username: "ani", Password: "$2a$04$fakefakefakefakefakefake", Role: "counter", Active: true},
	)
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", stub)

	counters := auth.ListCounters()
	if len(counters) != 2 {
		t.Fatalf("expected 2 counters, got %d", len(counters))
	}
	if counters[0].Username != "ani" || counters[1].Username != "budi" {
		t.Fatalf("expected sorted counters, got %+v", counters)
	}
}
