package profile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/kennel-dev/kennel/internal/scan"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeKeyring struct {
	secrets map[string]string
	broken  bool
}

func (f *fakeKeyring) set(_, user, secret string) error {
	if f.broken {
		return errors.New("no keyring backend")
	}

	f.secrets[user] = secret

	return nil
}

func (f *fakeKeyring) get(_, user string) (string, error) {
	if f.broken {
		return "", errors.New("no keyring backend")
	}

	tok, ok := f.secrets[user]
	if !ok {
		return "", keyring.ErrNotFound
	}

	return tok, nil
}

func (f *fakeKeyring) delete(_, user string) error {
	if f.broken {
		return errors.New("no keyring backend")
	}

	delete(f.secrets, user)

	return nil
}

func newTestStore(t *testing.T) (*Store, *fakeKeyring, *time.Time) {
	t.Helper()

	dir := t.TempDir()

	s, err := Open(filepath.Join(dir, "profiles.toml"), discardLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	kr := &fakeKeyring{secrets: map[string]string{}}
	s.keyringSet = kr.set
	s.keyringGet = kr.get
	s.keyringDelete = kr.delete
	s.credentialsFile = func(id string) (string, error) {
		return filepath.Join(dir, "credentials", id), nil
	}

	now := time.Date(2025, time.December, 16, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	return s, kr, &now
}

func TestOpenSeedsDefaultProfile(t *testing.T) {
	s, _, _ := newTestStore(t)

	def, ok := s.Get(DefaultProfileID)
	if !ok {
		t.Fatal("default profile missing after first open")
	}

	if !def.IsDefault {
		t.Error("seeded profile should be marked default")
	}

	if s.Active().ID != DefaultProfileID {
		t.Errorf("Active() = %q, want default", s.Active().ID)
	}
}

func TestCreateAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.toml")

	s, err := Open(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	p, err := s.Create("Work Account")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if p.ID != "work-account" {
		t.Errorf("Create() id = %q, want work-account", p.ID)
	}

	if _, err := s.Create("Work Account"); err == nil {
		t.Error("duplicate Create() should fail")
	}

	if err := s.SetActive("work-account"); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, discardLogger())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}

	if _, ok := reopened.Get("work-account"); !ok {
		t.Error("created profile lost across reload")
	}

	if reopened.Active().ID != "work-account" {
		t.Errorf("active pointer lost across reload: %q", reopened.Active().ID)
	}
}

func TestDelete(t *testing.T) {
	s, kr, _ := newTestStore(t)

	if err := s.Delete(DefaultProfileID); err == nil {
		t.Error("deleting the default profile should fail")
	}

	if _, err := s.Create("spare"); err != nil {
		t.Fatal(err)
	}

	if err := s.SetToken("spare", "sk-ant-oat01-spare"); err != nil {
		t.Fatal(err)
	}

	if err := s.SetActive("spare"); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete("spare"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, ok := s.Get("spare"); ok {
		t.Error("profile still present after delete")
	}

	if s.Active().ID != DefaultProfileID {
		t.Error("active pointer should fall back to default after delete")
	}

	if _, ok := kr.secrets["spare"]; ok {
		t.Error("token should be removed with its profile")
	}
}

func TestTokenKeyringRoundtrip(t *testing.T) {
	s, kr, _ := newTestStore(t)

	if _, err := s.Create("work"); err != nil {
		t.Fatal(err)
	}

	if err := s.SetToken("work", "sk-ant-oat01-secret"); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}

	if kr.secrets["work"] != "sk-ant-oat01-secret" {
		t.Error("token should land in the keyring")
	}

	tok, err := s.Token("work")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	if tok != "sk-ant-oat01-secret" {
		t.Errorf("Token() = %q", tok)
	}
}

func TestTokenFileFallbackWhenKeyringBroken(t *testing.T) {
	s, kr, _ := newTestStore(t)
	kr.broken = true

	if _, err := s.Create("work"); err != nil {
		t.Fatal(err)
	}

	if err := s.SetToken("work", "sk-ant-oat01-filetoken"); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}

	tok, err := s.Token("work")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	if tok != "sk-ant-oat01-filetoken" {
		t.Errorf("Token() = %q", tok)
	}
}

func TestTokenMissing(t *testing.T) {
	s, _, _ := newTestStore(t)

	if _, err := s.Create("empty"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Token("empty"); !errors.Is(err, ErrNoToken) {
		t.Errorf("Token() error = %v, want ErrNoToken", err)
	}

	if _, err := s.Token("ghost"); !errors.Is(err, ErrUnknownProfile) {
		t.Errorf("Token() error = %v, want ErrUnknownProfile", err)
	}
}

func TestRecordRateLimit(t *testing.T) {
	s, _, _ := newTestStore(t)

	ev, err := s.RecordRateLimit(DefaultProfileID, scan.LimitWeekly, "Dec 17 at 6am")
	if err != nil {
		t.Fatalf("RecordRateLimit() error = %v", err)
	}

	if ev.ResetString != "Dec 17 at 6am" {
		t.Errorf("ResetString = %q", ev.ResetString)
	}

	want := time.Date(2025, time.December, 17, 6, 0, 0, 0, time.UTC)
	if !ev.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", ev.ResetAt, want)
	}

	if _, err := s.RecordRateLimit("ghost", scan.LimitSession, "6pm"); !errors.Is(err, ErrUnknownProfile) {
		t.Errorf("RecordRateLimit(ghost) error = %v, want ErrUnknownProfile", err)
	}
}

func TestRateLimitHistoryCap(t *testing.T) {
	s, _, _ := newTestStore(t)

	for i := 0; i < rateLimitHistoryCap+5; i++ {
		if _, err := s.RecordRateLimit(DefaultProfileID, scan.LimitSession, fmt.Sprintf("entry-%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	p, _ := s.Get(DefaultProfileID)
	if len(p.RateLimits) != rateLimitHistoryCap {
		t.Fatalf("history length = %d, want %d", len(p.RateLimits), rateLimitHistoryCap)
	}

	if p.RateLimits[0].ResetString != "entry-5" {
		t.Errorf("oldest kept entry = %q, want entry-5", p.RateLimits[0].ResetString)
	}
}

func TestBestAvailable(t *testing.T) {
	s, _, now := newTestStore(t)

	for _, name := range []string{"alpha", "beta"} {
		if _, err := s.Create(name); err != nil {
			t.Fatal(err)
		}
	}

	// beta is least recently used, then default, then alpha.
	if err := s.MarkUsed("beta"); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(time.Hour)
	if err := s.MarkUsed(DefaultProfileID); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(time.Hour)
	if err := s.MarkUsed("alpha"); err != nil {
		t.Fatal(err)
	}

	// LRU among eligible, excluding the current profile.
	best, ok := s.BestAvailable("alpha")
	if !ok || best.ID != "beta" {
		t.Fatalf("BestAvailable(alpha) = %v %v, want beta", best.ID, ok)
	}

	// An unexpired weekly limit disqualifies beta even though its
	// session window would be long reset.
	if _, err := s.RecordRateLimit("beta", scan.LimitWeekly, "nonsense resets far out"); err != nil {
		t.Fatal(err)
	}

	best, ok = s.BestAvailable("alpha")
	if !ok || best.ID != DefaultProfileID {
		t.Fatalf("BestAvailable(alpha) = %v %v, want default", best.ID, ok)
	}

	// The default profile stays eligible even when limited itself.
	if _, err := s.RecordRateLimit(DefaultProfileID, scan.LimitSession, "whenever"); err != nil {
		t.Fatal(err)
	}

	best, ok = s.BestAvailable("alpha")
	if !ok || best.ID != DefaultProfileID {
		t.Fatalf("BestAvailable(alpha) = %v %v, want default", best.ID, ok)
	}

	// Excluding the default with everyone else limited leaves nothing.
	if _, err := s.RecordRateLimit("alpha", scan.LimitSession, "whenever"); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.BestAvailable(DefaultProfileID); ok {
		t.Error("BestAvailable(default) should find no candidate")
	}
}

func TestClearExpired(t *testing.T) {
	s, _, now := newTestStore(t)

	if _, err := s.RecordRateLimit(DefaultProfileID, scan.LimitSession, "6pm"); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(24 * time.Hour)

	removed, err := s.ClearExpired()
	if err != nil {
		t.Fatalf("ClearExpired() error = %v", err)
	}

	if removed != 1 {
		t.Errorf("ClearExpired() = %d, want 1", removed)
	}

	p, _ := s.Get(DefaultProfileID)
	if len(p.RateLimits) != 0 {
		t.Errorf("events remaining = %d", len(p.RateLimits))
	}
}

func TestLimitedUsesLatestEventPerType(t *testing.T) {
	now := time.Date(2025, 12, 16, 10, 0, 0, 0, time.UTC)

	p := Profile{RateLimits: []RateLimitEvent{
		// Older weekly notice with an unparseable reset that fell back
		// to a far-out horizon.
		{Type: scan.LimitWeekly, HitAt: now.Add(-48 * time.Hour), ResetAt: now.Add(5 * 24 * time.Hour)},
		// Newest weekly notice; its reset has already passed.
		{Type: scan.LimitWeekly, HitAt: now.Add(-2 * time.Hour), ResetAt: now.Add(-time.Hour)},
	}}

	if p.Limited(now) {
		t.Error("Limited() = true, want false: a newer weekly event supersedes the stale one")
	}

	p.RateLimits = append(p.RateLimits, RateLimitEvent{
		Type: scan.LimitSession, HitAt: now, ResetAt: now.Add(time.Hour),
	})

	if !p.Limited(now) {
		t.Error("Limited() = false, want true: latest session event is unexpired")
	}
}

func TestSlugID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Work Account", "work-account"},
		{"  padded  ", "padded"},
		{"weird!!chars", "weird-chars"},
		{"UPPER", "upper"},
		{"---", ""},
	}

	for _, tt := range tests {
		if got := SlugID(tt.in); got != tt.want {
			t.Errorf("SlugID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
