package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hablas/sessiongate/internal/util"
	"github.com/hablas/sessiongate/internal/uuid"
	"github.com/hablas/sessiongate/storage"
	"github.com/hablas/sessiongate/token"
)

const (
	usersBucket      = "users"
	userEmailsBucket = "user_emails"

	// UserRecordKeyInfo is the HKDF info string for the user record key.
	UserRecordKeyInfo = "sessiongate:user-records:v1"

	bcryptCost        = 10
	MinPasswordLength = 8
	// bcrypt ignores input past 72 bytes.
	maxPasswordBytes = 72
	passwordSpecials = `!@#$%^&*(),.?":{}|<>`

	userTimeout = 3 * time.Second
)

var (
	ErrUserExists         = errors.New("user with this email already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password does not meet policy")
	ErrInvalidEmail       = errors.New("invalid email address")
)

// User is a stored account. PasswordHash is a bcrypt hash of the
// NFKC-normalized password.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name,omitempty"`
	Role         token.Role `json:"role"`
	PasswordHash string     `json:"password_hash"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    time.Time  `json:"last_login,omitzero"`
}

// View strips credential material.
func (u *User) View() UserView {
	return UserView{ID: u.ID, Email: u.Email, Name: u.Name, Role: string(u.Role)}
}

type emailIndex struct {
	UserID string `json:"user_id"`
}

// UserDirectory stores users as sealed records in a Repository, with a
// second bucket mapping the digest of the normalized email to the user id.
type UserDirectory struct {
	repo storage.Repository
	key  []byte
	now  func() time.Time
}

// NewUserDirectory returns a directory sealing records with recordKey
// (32 bytes).
func NewUserDirectory(repo storage.Repository, recordKey []byte) (*UserDirectory, error) {
	if len(recordKey) != 32 {
		return nil, fmt.Errorf("user record key must be 32 bytes, got %d", len(recordKey))
	}
	return &UserDirectory{repo: repo, key: bytes.Clone(recordKey), now: time.Now}, nil
}

// ValidatePassword enforces the password policy: at least eight characters,
// a digit and a special character.
func ValidatePassword(password string) error {
	switch {
	case len([]rune(password)) < MinPasswordLength:
		return fmt.Errorf("%w: must be at least %d characters long", ErrWeakPassword, MinPasswordLength)
	case len(util.Normalize(password)) > maxPasswordBytes:
		return fmt.Errorf("%w: must be at most %d bytes", ErrWeakPassword, maxPasswordBytes)
	case !strings.ContainsAny(password, "0123456789"):
		return fmt.Errorf("%w: must contain at least one number", ErrWeakPassword)
	case !strings.ContainsAny(password, passwordSpecials):
		return fmt.Errorf("%w: must contain at least one special character", ErrWeakPassword)
	}
	return nil
}

func normalizeAddress(email string) (string, error) {
	e := util.NormalizeEmail(email)
	addr, err := mail.ParseAddress(e)
	if err != nil || addr.Address != e {
		return "", ErrInvalidEmail
	}
	return e, nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(util.Normalize(password)), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// dummyHash is compared against when the email is unknown so that a miss
// costs the same bcrypt work as a wrong password.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("sessiongate-dummy-password"), bcryptCost)
	return h
})

// Create adds a user. The email is normalized and must be unique.
func (d *UserDirectory) Create(ctx context.Context, email, password, name string, role token.Role) (*User, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	addr, err := normalizeAddress(email)
	if err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &User{
		ID:           "user_" + uuid.New(),
		Email:        addr,
		Name:         strings.TrimSpace(name),
		Role:         role,
		PasswordHash: hash,
		CreatedAt:    d.now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, userTimeout)
	defer cancel()
	err = d.repo.Batch(ctx, func(tx storage.BatchTx) error {
		var idx emailIndex
		err := d.open(tx, userEmailsBucket, util.Digest(addr), &idx)
		switch {
		case err == nil:
			return ErrUserExists
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		if err := d.seal(tx, usersBucket, u.ID, u); err != nil {
			return err
		}
		return d.seal(tx, userEmailsBucket, util.Digest(addr), emailIndex{UserID: u.ID})
	})
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// Authenticate checks email and password. Unknown emails and wrong
// passwords both yield ErrInvalidCredentials. LastLogin is updated on
// success.
func (d *UserDirectory) Authenticate(ctx context.Context, email, password string) (*User, error) {
	u, err := d.GetByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrInvalidEmail) {
		bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(util.Normalize(password))) != nil {
		return nil, ErrInvalidCredentials
	}

	loggedIn := d.now().UTC()
	return d.modify(ctx, u.ID, func(cur *User) error {
		cur.LastLogin = loggedIn
		return nil
	})
}

// Get returns the user with id.
func (d *UserDirectory) Get(ctx context.Context, id string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, userTimeout)
	defer cancel()
	var u User
	if err := d.open(repoTx{ctx, d.repo}, usersBucket, id, &u); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetByEmail looks a user up by address, case-insensitively.
func (d *UserDirectory) GetByEmail(ctx context.Context, email string) (*User, error) {
	addr, err := normalizeAddress(email)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, userTimeout)
	defer cancel()
	var idx emailIndex
	if err := d.open(repoTx{ctx, d.repo}, userEmailsBucket, util.Digest(addr), &idx); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return d.Get(ctx, idx.UserID)
}

// SetPassword replaces the password of user id after checking the policy.
func (d *UserDirectory) SetPassword(ctx context.Context, id, password string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	_, err = d.modify(ctx, id, func(cur *User) error {
		cur.PasswordHash = hash
		return nil
	})
	return err
}

// List returns every user ordered by email.
func (d *UserDirectory) List(ctx context.Context) ([]User, error) {
	ctx, cancel := context.WithTimeout(ctx, userTimeout)
	defer cancel()
	ids, err := d.repo.List(ctx, usersBucket)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	users := make([]User, 0, len(ids))
	for _, id := range ids {
		var u User
		if err := d.open(repoTx{ctx, d.repo}, usersBucket, id, &u); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Email < users[j].Email })
	return users, nil
}

// EnsureAdmin creates an admin account when the directory is empty. It
// reports whether one was created.
func (d *UserDirectory) EnsureAdmin(ctx context.Context, email, password string) (bool, error) {
	ids, err := d.repo.List(ctx, usersBucket)
	if err != nil {
		return false, fmt.Errorf("listing users: %w", err)
	}
	if len(ids) > 0 {
		return false, nil
	}
	if _, err := d.Create(ctx, email, password, "Admin User", token.RoleAdmin); err != nil {
		return false, err
	}
	return true, nil
}

// modify applies fn to the stored record of user id and writes it back in
// one batch, so concurrent changes to other fields are not overwritten.
func (d *UserDirectory) modify(ctx context.Context, id string, fn func(*User) error) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, userTimeout)
	defer cancel()
	var u User
	err := d.repo.Batch(ctx, func(tx storage.BatchTx) error {
		u = User{}
		if err := d.open(tx, usersBucket, id, &u); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		if err := fn(&u); err != nil {
			return err
		}
		return d.seal(tx, usersBucket, id, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

type recordGetter interface {
	Get(bucket, id string) (*storage.Envelope, error)
}

type recordPutter interface {
	Put(bucket, id string, envelope *storage.Envelope) error
}

// repoTx adapts a Repository to the transaction-shaped getter.
type repoTx struct {
	ctx  context.Context
	repo storage.Repository
}

func (r repoTx) Get(bucket, id string) (*storage.Envelope, error) {
	return r.repo.Get(r.ctx, bucket, id)
}

func (d *UserDirectory) seal(w recordPutter, bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	defer clear(data)
	env, err := storage.SealRecord(d.key, data, storage.RecordAAD(bucket, id))
	if err != nil {
		return err
	}
	return w.Put(bucket, id, env)
}

func (d *UserDirectory) open(r recordGetter, bucket, id string, v any) error {
	env, err := r.Get(bucket, id)
	if err != nil {
		return err
	}
	data, err := storage.OpenRecord(d.key, env, storage.RecordAAD(bucket, id))
	if err != nil {
		return fmt.Errorf("opening %s record: %w", bucket, err)
	}
	defer clear(data)
	return json.Unmarshal(data, v)
}
