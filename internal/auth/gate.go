// Package auth signs users up and in against the remote users collection and
// keeps the session in the local cache.
//
// Password handling is delegated to a Credentials implementation. The
// default, Plaintext, matches accounts created by the original web client;
// Bcrypt can be configured for new deployments.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/falconlib/falcon/internal/cache"
	"github.com/falconlib/falcon/internal/schema"
)

var (
	// ErrNoSession is returned when nobody is signed in.
	ErrNoSession = errors.New("not signed in")

	// ErrUserNotFound is returned when no account has the given email or id.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidCredentials is returned for a wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// MinPasswordLength is the shortest password SignUp accepts.
const MinPasswordLength = 6

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Stopper is stopped before a session is torn down.
type Stopper interface {
	Stop()
}

// Session is the signed-in state persisted in the cache.
type Session struct {
	UserID  string
	User    *schema.User
	Started time.Time
}

// SignUpRequest carries the sign-up form.
type SignUpRequest struct {
	Email           string
	Password        string
	ConfirmPassword string
	FullName        string
}

// Gate authenticates users and owns the session keys of the cache.
type Gate struct {
	dir     Directory
	cache   *cache.Cache
	creds   Credentials
	stopper Stopper
	logger  *log.Logger
	now     func() time.Time
}

// NewGate returns a gate. A nil creds means Plaintext.
func NewGate(dir Directory, c *cache.Cache, creds Credentials, logger *log.Logger) *Gate {
	if creds == nil {
		creds = Plaintext{}
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Gate{dir: dir, cache: c, creds: creds, logger: logger, now: time.Now}
}

// SetStopper registers what Logout must stop first (the sync engine).
func (g *Gate) SetStopper(s Stopper) {
	g.stopper = s
}

// SignUp validates the form and creates a student account.
func (g *Gate) SignUp(ctx context.Context, req SignUpRequest) (*schema.User, error) {
	email := strings.TrimSpace(req.Email)
	fullName := strings.TrimSpace(req.FullName)

	switch {
	case email == "":
		return nil, schema.Invalid("email", "is required")
	case req.Password == "":
		return nil, schema.Invalid("password", "is required")
	case req.ConfirmPassword == "":
		return nil, schema.Invalid("confirmPassword", "is required")
	case fullName == "":
		return nil, schema.Invalid("fullName", "is required")
	case req.Password != req.ConfirmPassword:
		return nil, schema.Invalid("confirmPassword", "does not match the password")
	case len(req.Password) < MinPasswordLength:
		return nil, schema.Invalid("password", "must be at least %d characters", MinPasswordLength)
	case !emailRe.MatchString(email):
		return nil, schema.Invalid("email", "is not a valid email address")
	}

	if _, err := g.dir.FindByEmail(ctx, email); err == nil {
		return nil, schema.Invalid("email", "is already registered")
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	stored, err := g.creds.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	now := g.now()
	u := &schema.User{
		ID:          schema.NewUserID(),
		Email:       email,
		Password:    stored,
		FullName:    fullName,
		Role:        schema.RoleStudent,
		CreatedAt:   now.UTC().Format(time.RFC3339),
		StudentData: schema.NewStudentData(now.Format(schema.DateLayout)),
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	if err := g.dir.Save(ctx, u); err != nil {
		return nil, err
	}

	g.logger.Printf("Created account %s for %s", u.ID, email)
	return u, nil
}

// SignIn checks the credentials, records the login time and stores the
// session in the cache.
func (g *Gate) SignIn(ctx context.Context, email, password string) (*Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, schema.Invalid("email", "and password are required")
	}

	u, err := g.dir.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !g.creds.Compare(u.Password, password) {
		return nil, ErrInvalidCredentials
	}

	now := g.now()
	lastLogin := now.UTC().Format(time.RFC3339)
	if err := g.dir.Update(ctx, u.ID, schema.Record{"lastLogin": lastLogin}); err != nil {
		// The account is valid; a stale lastLogin is not worth refusing the login.
		g.logger.Printf("Failed to record login of %s: %v", u.ID, err)
	} else {
		u.LastLogin = &lastLogin
	}

	if err := g.persist(u, now); err != nil {
		return nil, err
	}
	g.logger.Printf("User %s signed in", u.ID)
	return &Session{UserID: u.ID, User: u, Started: now}, nil
}

func (g *Gate) persist(u *schema.User, started time.Time) error {
	public := *u
	public.Password = ""

	if err := g.cache.Write(cache.KeyUserID, u.ID); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if err := g.cache.Write(cache.KeyCurrentUser, &public); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if err := g.cache.Write(cache.KeySessionTime, started.UnixMilli()); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Current returns the session stored in the cache or ErrNoSession.
func (g *Gate) Current() (*Session, error) {
	var id string
	ok, err := g.cache.Read(cache.KeyUserID, &id)
	if err != nil {
		return nil, err
	}
	if !ok || id == "" {
		return nil, ErrNoSession
	}

	var u schema.User
	if ok, err := g.cache.Read(cache.KeyCurrentUser, &u); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrNoSession
	}

	s := &Session{UserID: id, User: &u}
	var millis int64
	if ok, _ := g.cache.Read(cache.KeySessionTime, &millis); ok {
		s.Started = time.UnixMilli(millis)
	}
	return s, nil
}

// Logout stops the registered Stopper and then clears the session keys.
func (g *Gate) Logout() error {
	if g.stopper != nil {
		g.stopper.Stop()
	}
	for _, key := range []string{cache.KeyUserID, cache.KeyCurrentUser, cache.KeySessionTime} {
		if err := g.cache.Delete(key); err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}
	}
	g.logger.Println("Signed out")
	return nil
}

// UpdateProfile changes the signed-in user's name and embedded student data.
// Empty arguments leave the corresponding field unchanged.
func (g *Gate) UpdateProfile(ctx context.Context, fullName string, studentData schema.Record) (*schema.User, error) {
	s, err := g.Current()
	if err != nil {
		return nil, err
	}

	fields := schema.Record{}
	if name := strings.TrimSpace(fullName); name != "" {
		fields["fullName"] = name
		s.User.FullName = name
	}
	if studentData != nil {
		merged := s.User.StudentData.Merge(studentData)
		fields["studentData"] = merged
		s.User.StudentData = merged
	}
	if len(fields) == 0 {
		return s.User, nil
	}

	if err := g.dir.Update(ctx, s.UserID, fields); err != nil {
		return nil, err
	}
	if err := g.cache.Write(cache.KeyCurrentUser, s.User); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return s.User, nil
}

// SessionAge returns how long the stored session has existed.
func (s *Session) SessionAge(now time.Time) time.Duration {
	if s.Started.IsZero() {
		return 0
	}
	return now.Sub(s.Started)
}

// String identifies the session for logs.
func (s *Session) String() string {
	if s.User != nil && s.User.Email != "" {
		return s.User.Email + " (" + s.UserID + ")"
	}
	return strconv.Quote(s.UserID)
}
