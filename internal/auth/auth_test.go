package auth

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/falconlib/falcon/internal/cache"
	"github.com/falconlib/falcon/internal/docstore"
	"github.com/falconlib/falcon/internal/remote"
	"github.com/falconlib/falcon/internal/schema"
)

func setupTestGate(t *testing.T, creds Credentials) (*Gate, *remote.Memory, *cache.Cache) {
	t.Helper()

	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	mem := remote.NewMemory()
	g := NewGate(NewRemoteDirectory(mem), c, creds, nil)
	g.now = func() time.Time { return time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC) }
	return g, mem, c
}

func validSignUp() SignUpRequest {
	return SignUpRequest{
		Email:           "student@falcon.com",
		Password:        "student123",
		ConfirmPassword: "student123",
		FullName:        "Demo Student",
	}
}

func TestSignUp_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *SignUpRequest)
		field  string
	}{
		{"missing email", func(r *SignUpRequest) { r.Email = " " }, "email"},
		{"missing password", func(r *SignUpRequest) { r.Password = "" }, "password"},
		{"missing confirmation", func(r *SignUpRequest) { r.ConfirmPassword = "" }, "confirmPassword"},
		{"missing name", func(r *SignUpRequest) { r.FullName = "" }, "fullName"},
		{"mismatch", func(r *SignUpRequest) { r.ConfirmPassword = "student124" }, "confirmPassword"},
		{"too short", func(r *SignUpRequest) { r.Password, r.ConfirmPassword = "abc12", "abc12" }, "password"},
		{"bad email", func(r *SignUpRequest) { r.Email = "student@falcon" }, "email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, mem, _ := setupTestGate(t, nil)
			req := validSignUp()
			tt.modify(&req)

			_, err := g.SignUp(context.Background(), req)
			var verr *schema.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("SignUp error = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
			if n := mem.Count("upsert", "", ""); n != 0 {
				t.Errorf("invalid sign-up wrote %d documents", n)
			}
		})
	}
}

func TestSignUp_CreatesStudent(t *testing.T) {
	g, mem, _ := setupTestGate(t, nil)

	u, err := g.SignUp(context.Background(), validSignUp())
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if u.ID == "" || u.Role != schema.RoleStudent || u.LastLogin != nil {
		t.Errorf("user = %+v", u)
	}
	if got := u.StudentData.String("joiningDate"); got != "2026-02-10" {
		t.Errorf("joiningDate = %q", got)
	}
	if got := u.StudentData.String("status"); got != schema.StatusInactive {
		t.Errorf("student status = %q", got)
	}

	rec, ok, _ := mem.Get(context.Background(), schema.CollectionUsers, u.ID)
	if !ok || rec.String("password") != "student123" {
		t.Errorf("stored user = %v", rec)
	}

	_, err = g.SignUp(context.Background(), validSignUp())
	if !errors.Is(err, schema.ErrValidation) {
		t.Errorf("duplicate sign-up = %v, want ErrValidation", err)
	}
}

func TestSignIn(t *testing.T) {
	g, mem, c := setupTestGate(t, nil)
	ctx := context.Background()
	u, err := g.SignUp(ctx, validSignUp())
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	if _, err := g.SignIn(ctx, "nobody@falcon.com", "student123"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("unknown email = %v, want ErrUserNotFound", err)
	}
	if _, err := g.SignIn(ctx, "STUDENT@falcon.com", "student123"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("email match must be exact, got %v", err)
	}
	if _, err := g.SignIn(ctx, "student@falcon.com", "wrong-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password = %v, want ErrInvalidCredentials", err)
	}
	if _, err := g.Current(); !errors.Is(err, ErrNoSession) {
		t.Errorf("failed sign-in left a session: %v", err)
	}

	s, err := g.SignIn(ctx, "student@falcon.com", "student123")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if s.UserID != u.ID {
		t.Errorf("session user = %s, want %s", s.UserID, u.ID)
	}

	rec, _, _ := mem.Get(ctx, schema.CollectionUsers, u.ID)
	if rec.String("lastLogin") != "2026-02-10T09:30:00Z" {
		t.Errorf("lastLogin = %v", rec["lastLogin"])
	}

	cur, err := g.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if cur.UserID != u.ID || cur.User.Email != "student@falcon.com" {
		t.Errorf("current session = %+v", cur)
	}
	if cur.User.Password != "" {
		t.Error("password persisted in the local session")
	}
	if !cur.Started.Equal(time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("session start = %v", cur.Started)
	}

	if ok, _ := c.Has(cache.KeySessionTime); !ok {
		t.Error("sessionTime not stored")
	}
}

type stopRecorder struct {
	cache   *cache.Cache
	stopped bool
	hadUser bool
}

func (s *stopRecorder) Stop() {
	s.stopped = true
	s.hadUser, _ = s.cache.Has(cache.KeyUserID)
}

func TestLogout_StopsBeforeClearing(t *testing.T) {
	g, _, c := setupTestGate(t, nil)
	ctx := context.Background()
	if _, err := g.SignUp(ctx, validSignUp()); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if _, err := g.SignIn(ctx, "student@falcon.com", "student123"); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}

	rec := &stopRecorder{cache: c}
	g.SetStopper(rec)
	if err := g.Logout(); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	if !rec.stopped || !rec.hadUser {
		t.Errorf("stopper ran = %v with session present = %v, want both true", rec.stopped, rec.hadUser)
	}
	for _, key := range []string{cache.KeyUserID, cache.KeyCurrentUser, cache.KeySessionTime} {
		if ok, _ := c.Has(key); ok {
			t.Errorf("%s still present after logout", key)
		}
	}
	if _, err := g.Current(); !errors.Is(err, ErrNoSession) {
		t.Errorf("Current after logout = %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	g, mem, _ := setupTestGate(t, nil)
	ctx := context.Background()

	if _, err := g.UpdateProfile(ctx, "X", nil); !errors.Is(err, ErrNoSession) {
		t.Errorf("UpdateProfile without session = %v", err)
	}

	u, _ := g.SignUp(ctx, validSignUp())
	if _, err := g.SignIn(ctx, "student@falcon.com", "student123"); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}

	updated, err := g.UpdateProfile(ctx, "Renamed Student", schema.Record{"mobile": "9876543210"})
	if err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	if updated.FullName != "Renamed Student" || updated.StudentData.String("mobile") != "9876543210" {
		t.Errorf("updated = %+v", updated)
	}
	if updated.StudentData.String("status") != schema.StatusInactive {
		t.Error("untouched student data lost")
	}

	rec, _, _ := mem.Get(ctx, schema.CollectionUsers, u.ID)
	if rec.String("fullName") != "Renamed Student" || rec.String("password") != "student123" {
		t.Errorf("stored user = %v", rec)
	}

	cur, _ := g.Current()
	if cur.User.FullName != "Renamed Student" {
		t.Errorf("session not refreshed: %+v", cur.User)
	}
}

func TestBcryptCredentials(t *testing.T) {
	g, mem, _ := setupTestGate(t, Bcrypt{Cost: 4})
	ctx := context.Background()

	u, err := g.SignUp(ctx, validSignUp())
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	rec, _, _ := mem.Get(ctx, schema.CollectionUsers, u.ID)
	if rec.String("password") == "student123" {
		t.Fatal("bcrypt scheme stored the plain password")
	}

	if _, err := g.SignIn(ctx, "student@falcon.com", "student123"); err != nil {
		t.Errorf("SignIn with bcrypt failed: %v", err)
	}
	if _, err := g.SignIn(ctx, "student@falcon.com", "student124"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password = %v", err)
	}
}

func TestCredentialsByName(t *testing.T) {
	for _, name := range []string{"", "plaintext", "BCRYPT"} {
		if _, err := CredentialsByName(name); err != nil {
			t.Errorf("CredentialsByName(%q) failed: %v", name, err)
		}
	}
	if _, err := CredentialsByName("md5"); err == nil {
		t.Error("unknown scheme accepted")
	}
}

func TestRemoteDirectory_UsesFieldLookup(t *testing.T) {
	db, err := docstore.Open(filepath.Join(t.TempDir(), "remote.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	dir := NewRemoteDirectory(remote.NewDocStore(db, nil))
	ctx := context.Background()
	u := &schema.User{ID: "u1", Email: "a@b.co", Password: "secret1", FullName: "A", Role: schema.RoleAdmin}
	if err := dir.Save(ctx, u); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := dir.FindByEmail(ctx, "a@b.co")
	if err != nil || got.ID != "u1" {
		t.Fatalf("FindByEmail = (%+v, %v)", got, err)
	}
	if _, err := dir.FindByEmail(ctx, "x@b.co"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("FindByEmail of unknown = %v", err)
	}
	if _, err := dir.Get(ctx, "u2"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Get of unknown = %v", err)
	}
}
