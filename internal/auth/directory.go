package auth

import (
	"context"
	"fmt"

	"github.com/falconlib/falcon/internal/remote"
	"github.com/falconlib/falcon/internal/schema"
)

// Directory stores user accounts.
type Directory interface {
	// FindByEmail returns the user with exactly this email or ErrUserNotFound.
	FindByEmail(ctx context.Context, email string) (*schema.User, error)

	// Get returns the user with id or ErrUserNotFound.
	Get(ctx context.Context, id string) (*schema.User, error)

	// Save creates or replaces the fields of u.
	Save(ctx context.Context, u *schema.User) error

	// Update merges fields into the stored user.
	Update(ctx context.Context, id string, fields schema.Record) error
}

// finder is implemented by stores that can filter by field server-side.
type finder interface {
	FindBy(ctx context.Context, collection, field, value string) ([]schema.Record, error)
}

// RemoteDirectory keeps users in the remote users collection. Users are not
// a tracked collection, so it talks to the store directly.
type RemoteDirectory struct {
	store remote.Store
}

// NewRemoteDirectory returns a directory over store.
func NewRemoteDirectory(store remote.Store) *RemoteDirectory {
	return &RemoteDirectory{store: store}
}

// FindByEmail implements Directory.
func (d *RemoteDirectory) FindByEmail(ctx context.Context, email string) (*schema.User, error) {
	var records []schema.Record
	var err error
	if f, ok := d.store.(finder); ok {
		records, err = f.FindBy(ctx, schema.CollectionUsers, "email", email)
	} else {
		records, err = d.store.GetAll(ctx, schema.CollectionUsers)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	schema.SortByID(records)
	for _, r := range records {
		if r.String("email") == email {
			return schema.UserFromRecord(r)
		}
	}
	return nil, fmt.Errorf("%s: %w", email, ErrUserNotFound)
}

// Get implements Directory.
func (d *RemoteDirectory) Get(ctx context.Context, id string) (*schema.User, error) {
	rec, ok, err := d.store.Get(ctx, schema.CollectionUsers, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUserNotFound)
	}
	return schema.UserFromRecord(rec)
}

// Save implements Directory.
func (d *RemoteDirectory) Save(ctx context.Context, u *schema.User) error {
	rec, err := u.ToRecord()
	if err != nil {
		return err
	}
	if err := d.store.Upsert(ctx, schema.CollectionUsers, u.ID, rec); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// Update implements Directory.
func (d *RemoteDirectory) Update(ctx context.Context, id string, fields schema.Record) error {
	if err := d.store.Upsert(ctx, schema.CollectionUsers, id, fields); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}
