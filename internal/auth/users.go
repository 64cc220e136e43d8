package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

// ErrProjectTaken means another account already owns the project
// name. The API layer deliberately reports it the same way as an
// unknown project, so names cannot be enumerated.
var ErrProjectTaken = errors.New("project belongs to another user")

// User is an account that can own projects.
type User struct {
	Name     string   `toml:"name" json:"name"`
	Key      string   `toml:"key" json:"-"`
	Projects []string `toml:"projects,omitempty" json:"projects"`
}

type usersFile struct {
	Users []*User `toml:"users"`
}

// Directory is the account store: API keys, usernames and project
// ownership, persisted as a TOML file so a restart keeps accounts.
type Directory struct {
	log  *zap.Logger
	path string

	mu        sync.Mutex
	byName    map[string]*User
	byKey     map[string]*User
	byProject map[string]*User
}

func NewDirectory(path string, log *zap.Logger) (*Directory, error) {
	d := &Directory{
		log:       log,
		path:      path,
		byName:    make(map[string]*User),
		byKey:     make(map[string]*User),
		byProject: make(map[string]*User),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}

	var f usersFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}

	for _, u := range f.Users {
		d.byName[u.Name] = u
		d.byKey[u.Key] = u
		for _, project := range u.Projects {
			d.byProject[project] = u
		}
	}

	d.log.Info("user directory loaded",
		zap.String("path", path),
		zap.Int("users", len(d.byName)),
	)
	return d, nil
}

// GetOrCreate returns the account for username, minting it with a
// fresh API key on first sight. Calling it again for an existing
// account returns the existing key rather than rotating it.
func (d *Directory) GetOrCreate(username string) (*User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u, ok := d.byName[username]; ok {
		return u, nil
	}

	key, err := generateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate api key: %w", err)
	}

	u := &User{Name: username, Key: key}
	d.byName[username] = u
	d.byKey[key] = u

	if err := d.persistLocked(); err != nil {
		return nil, err
	}

	d.log.Info("user created", zap.String("username", username))
	return u, nil
}

// Authenticate resolves an API key to its account.
func (d *Directory) Authenticate(key string) (*User, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.byKey[key]
	return u, ok
}

// ClaimProject records that username owns project. Claiming a
// project you already own is a no-op; claiming someone else's
// fails with ErrProjectTaken.
func (d *Directory) ClaimProject(username, project string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if owner, ok := d.byProject[project]; ok {
		if owner.Name == username {
			return nil
		}
		return ErrProjectTaken
	}

	u, ok := d.byName[username]
	if !ok {
		return fmt.Errorf("unknown user %q", username)
	}

	u.Projects = append(u.Projects, project)
	d.byProject[project] = u
	return d.persistLocked()
}

// Owns reports whether username owns project.
func (d *Directory) Owns(username, project string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	owner, ok := d.byProject[project]
	return ok && owner.Name == username
}

// Callers hold d.mu.
func (d *Directory) persistLocked() error {
	users := make([]*User, 0, len(d.byName))
	for _, u := range d.byName {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })

	data, err := toml.Marshal(usersFile{Users: users})
	if err != nil {
		return fmt.Errorf("failed to encode users file: %w", err)
	}
	if err := os.WriteFile(d.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write users file: %w", err)
	}
	return nil
}

func generateKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
