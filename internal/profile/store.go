package profile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/zalando/go-keyring"

	"github.com/kennel-dev/kennel/internal/paths"
	"github.com/kennel-dev/kennel/internal/scan"
)

// keyringService namespaces Kennel secrets in the OS keyring.
const keyringService = "kennel"

// ErrNoToken means a profile has no stored token in the keyring or the
// fallback file.
var ErrNoToken = errors.New("no token stored for profile")

// ErrUnknownProfile means the profile id does not exist in the store.
var ErrUnknownProfile = errors.New("unknown profile")

// document is the on-disk shape of profiles.toml.
type document struct {
	Active   string    `toml:"active,omitempty"`
	Profiles []Profile `toml:"profiles"`
}

// Store owns all profiles and the active-profile pointer. All methods
// are safe for concurrent use; mutations persist immediately.
type Store struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
	doc  document

	now func() time.Time

	// Injectable for tests; defaults talk to the OS keyring.
	keyringSet    func(service, user, secret string) error
	keyringGet    func(service, user string) (string, error)
	keyringDelete func(service, user string) error

	credentialsFile func(profileID string) (string, error)
}

// Open loads the store at path, creating it with a default profile on
// first use.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		path:            path,
		log:             logger,
		now:             time.Now,
		keyringSet:      keyring.Set,
		keyringGet:      keyring.Get,
		keyringDelete:   keyring.Delete,
		credentialsFile: paths.CredentialsFile,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First run: seed the default profile.
	case err != nil:
		return nil, fmt.Errorf("read profile store: %w", err)
	default:
		if err := toml.Unmarshal(data, &s.doc); err != nil {
			return nil, fmt.Errorf("parse profile store %s: %w", path, err)
		}
	}

	if _, ok := s.indexOf(DefaultProfileID); !ok {
		s.doc.Profiles = append([]Profile{{
			ID:        DefaultProfileID,
			Name:      "Default",
			IsDefault: true,
			CreatedAt: s.now().UTC(),
		}}, s.doc.Profiles...)

		if err := s.save(); err != nil {
			return nil, err
		}
	}

	if s.doc.Active == "" {
		s.doc.Active = DefaultProfileID
	}

	return s, nil
}

// List returns all profiles, default first, then by creation time.
func (s *Store) List() []Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Profile, len(s.doc.Profiles))
	copy(out, s.doc.Profiles)

	return out
}

// Get returns the profile with the given id.
func (s *Store) Get(id string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.indexOf(id)
	if !ok {
		return Profile{}, false
	}

	return s.doc.Profiles[idx], true
}

// Create adds a new profile named name. The id is derived from the
// name and must be unique.
func (s *Store) Create(name string) (Profile, error) {
	id := SlugID(name)
	if id == "" {
		return Profile{}, fmt.Errorf("profile name %q yields an empty id", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.indexOf(id); ok {
		return Profile{}, fmt.Errorf("profile %q already exists", id)
	}

	p := Profile{
		ID:        id,
		Name:      name,
		CreatedAt: s.now().UTC(),
	}

	s.doc.Profiles = append(s.doc.Profiles, p)

	if err := s.save(); err != nil {
		return Profile{}, err
	}

	return p, nil
}

// Delete removes a profile and its stored token. The default profile
// cannot be deleted. Terminals still referencing the id fall back to
// the default profile on their next invocation.
func (s *Store) Delete(id string) error {
	if id == DefaultProfileID {
		return fmt.Errorf("the default profile cannot be deleted")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.indexOf(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, id)
	}

	s.doc.Profiles = append(s.doc.Profiles[:idx], s.doc.Profiles[idx+1:]...)
	if s.doc.Active == id {
		s.doc.Active = DefaultProfileID
	}

	if err := s.save(); err != nil {
		return err
	}

	s.deleteToken(id)

	return nil
}

// SetToken stores token material for a profile: OS keyring first, with
// a mode-0600 file fallback when no keyring backend is usable.
func (s *Store) SetToken(id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.indexOf(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, id)
	}

	keyringErr := s.keyringSet(keyringService, id, token)
	if keyringErr == nil {
		return nil
	}

	s.log.Debug(
		"keyring unavailable, using file fallback",
		slog.String("component", "profile"),
		slog.String("event.type", "profile.token.fallback"),
		slog.String("profile.id", id),
		slog.String("error", keyringErr.Error()),
	)

	path, err := s.credentialsFile(id)
	if err != nil {
		return fmt.Errorf("resolve credentials path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}

	return nil
}

// Token returns a profile's token, preferring the keyring over the
// file fallback. Returns ErrNoToken when neither holds one.
func (s *Store) Token(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.indexOf(id); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProfile, id)
	}

	if tok, err := s.keyringGet(keyringService, id); err == nil && tok != "" {
		return tok, nil
	}

	path, err := s.credentialsFile(id)
	if err != nil {
		return "", fmt.Errorf("resolve credentials path: %w", err)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return "", fmt.Errorf("%w: %s", ErrNoToken, id)
	}
	if err != nil {
		return "", fmt.Errorf("read credentials file: %w", err)
	}

	return string(data), nil
}

func (s *Store) deleteToken(id string) {
	if err := s.keyringDelete(keyringService, id); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		s.log.Debug(
			"keyring delete failed",
			slog.String("component", "profile"),
			slog.String("event.type", "profile.token.delete_failed"),
			slog.String("profile.id", id),
			slog.String("error", err.Error()),
		)
	}

	if path, err := s.credentialsFile(id); err == nil {
		_ = os.Remove(path)
	}
}

// SetConfigDir records an alternate agent config directory for a
// profile, used as credential material when no token is stored.
func (s *Store) SetConfigDir(id, dir string) error {
	return s.update(id, func(p *Profile) { p.ConfigDir = dir })
}

// SetEmail records the account email observed during token setup.
func (s *Store) SetEmail(id, email string) error {
	return s.update(id, func(p *Profile) { p.Email = email })
}

// MarkUsed stamps the profile's last-used time.
func (s *Store) MarkUsed(id string) error {
	now := s.now().UTC()

	return s.update(id, func(p *Profile) { p.LastUsedAt = now })
}

// SetActive makes the profile the process-wide active one.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.indexOf(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, id)
	}

	s.doc.Active = id

	return s.save()
}

// Active returns the currently active profile. Falls back to the
// default profile if the pointer is dangling.
func (s *Store) Active() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.indexOf(s.doc.Active); ok {
		return s.doc.Profiles[idx]
	}

	idx, _ := s.indexOf(DefaultProfileID)

	return s.doc.Profiles[idx]
}

// RecordRateLimit appends a rate-limit event to a profile's history,
// normalizing the reset time. History is capped; oldest entries drop.
func (s *Store) RecordRateLimit(id string, typ scan.LimitType, resetString string) (RateLimitEvent, error) {
	now := s.now().UTC()

	ev := RateLimitEvent{
		Type:        typ,
		HitAt:       now,
		ResetAt:     scan.ParseResetTime(resetString, typ, now),
		ResetString: resetString,
	}

	err := s.update(id, func(p *Profile) {
		p.RateLimits = append(p.RateLimits, ev)
		if len(p.RateLimits) > rateLimitHistoryCap {
			p.RateLimits = p.RateLimits[len(p.RateLimits)-rateLimitHistoryCap:]
		}
	})
	if err != nil {
		return RateLimitEvent{}, err
	}

	return ev, nil
}

// BestAvailable returns the least-recently-used eligible profile other
// than excludeID. Eligible means no unexpired rate-limit event; the
// default profile is always eligible. Returns false when every
// candidate is currently limited.
func (s *Store) BestAvailable(excludeID string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	var best *Profile
	for i := range s.doc.Profiles {
		p := &s.doc.Profiles[i]
		if p.ID == excludeID {
			continue
		}

		if !p.IsDefault && p.Limited(now) {
			continue
		}

		if best == nil || p.LastUsedAt.Before(best.LastUsedAt) {
			best = p
		}
	}

	if best == nil {
		return Profile{}, false
	}

	return *best, true
}

// ClearExpired drops expired rate-limit events from every profile and
// returns how many were removed.
func (s *Store) ClearExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0

	for i := range s.doc.Profiles {
		p := &s.doc.Profiles[i]

		kept := p.RateLimits[:0]
		for _, ev := range p.RateLimits {
			if ev.Expired(now) {
				removed++
				continue
			}

			kept = append(kept, ev)
		}

		p.RateLimits = kept
	}

	if removed == 0 {
		return 0, nil
	}

	return removed, s.save()
}

func (s *Store) update(id string, fn func(*Profile)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.indexOf(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, id)
	}

	fn(&s.doc.Profiles[idx])

	return s.save()
}

func (s *Store) indexOf(id string) (int, bool) {
	for i := range s.doc.Profiles {
		if s.doc.Profiles[i].ID == id {
			return i, true
		}
	}

	return 0, false
}

// save writes the store atomically: temp file in the same directory,
// fsync-free rename. Token material never appears here.
func (s *Store) save() error {
	data, err := toml.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("encode profile store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".profiles-*.toml")
	if err != nil {
		return fmt.Errorf("create temp profile store: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("write profile store: %w", err)
	}

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("chmod profile store: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("close profile store: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("replace profile store: %w", err)
	}

	return nil
}
