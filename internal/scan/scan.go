// Package scan extracts signals from agent CLI output: session ids,
// rate-limit notices, OAuth tokens, and account emails.
//
// The agent's output is free-form text meant for a human, so extraction
// is best-effort pattern matching. Matchers tolerate ANSI escapes and
// partial lines, and callers re-scan on every chunk rather than assuming
// line-buffered delivery.
package scan

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kennel-dev/kennel/internal/ansi"
)

// LimitType distinguishes the two quota scopes the agent reports.
type LimitType string

const (
	// LimitSession is the rolling short-window quota ("5-hour limit").
	LimitSession LimitType = "session"
	// LimitWeekly is the weekly quota.
	LimitWeekly LimitType = "weekly"
)

// Fallback horizons when a reset-time string cannot be parsed.
const (
	sessionResetFallback = 5 * time.Hour
	weeklyResetFallback  = 7 * 24 * time.Hour
)

// RateLimitHit is one detected rate-limit notice.
type RateLimitHit struct {
	Type LimitType

	// ResetString is the verbatim reset-time text from the notice,
	// e.g. "Dec 17 at 6am". Kept verbatim for display and for
	// per-terminal de-duplication.
	ResetString string
}

var (
	uuidRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

	// Session ids only count next to a marker; the CLI echoes plenty of
	// unrelated UUIDs (request ids, tool-use ids) during a run.
	sessionIDRes = []*regexp.Regexp{
		regexp.MustCompile(`--resume[ =]+(` + uuidRe.String() + `)`),
		regexp.MustCompile(`(?i)session id:?\s*(` + uuidRe.String() + `)`),
		regexp.MustCompile(`(` + uuidRe.String() + `)\.jsonl`),
	}

	// Matches both "Weekly limit reached ∙ resets Dec 17 at 6am" and
	// "Approaching weekly limit · resets 6pm". The separator glyph
	// varies between CLI versions.
	rateLimitRe = regexp.MustCompile(`(?i)(approaching[^\n]{0,40}?limit|[\w-]+ limit reached)[^\n]{0,20}?resets(?: at)?\s+([^\n∙·|]+)`)

	oauthTokenRe = regexp.MustCompile(`sk-ant-oat[0-9]{2}-[A-Za-z0-9_-]{8,}`)

	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

	tzSuffixRe = regexp.MustCompile(`\(([A-Za-z_]+/[A-Za-z_]+|[A-Z]{2,5})\)\s*$`)

	monthDayRe = regexp.MustCompile(`(?i)^([a-z]{3,9})\.?\s+(\d{1,2})(?:\s+at\s+(.+))?$`)

	clockRe = regexp.MustCompile(`(?i)^(\d{1,2})(?::(\d{2}))?\s*(am|pm)$`)
)

// SessionID returns the first session id found next to a known marker,
// scanning the fresh chunk before the rolling buffer. Callers freeze
// the first match per terminal; later echoes are ignored upstream.
func SessionID(chunk, buffer string) (string, bool) {
	for _, text := range []string{ansi.Strip(chunk), ansi.Strip(buffer)} {
		for _, re := range sessionIDRes {
			if m := re.FindStringSubmatch(text); m != nil {
				return strings.ToLower(m[1]), true
			}
		}
	}

	return "", false
}

// RateLimit reports a rate-limit notice in the chunk, if any. The
// scope is derived from the phrase shape: "weekly" means weekly,
// anything else ("5-hour", "session") means session.
func RateLimit(chunk string) (RateLimitHit, bool) {
	text := ansi.Strip(chunk)

	m := rateLimitRe.FindStringSubmatch(text)
	if m == nil {
		return RateLimitHit{}, false
	}

	reset := strings.TrimRight(strings.TrimSpace(m[2]), ".!")
	if reset == "" {
		return RateLimitHit{}, false
	}

	typ := LimitSession
	if strings.Contains(strings.ToLower(m[1]), "weekly") {
		typ = LimitWeekly
	}

	return RateLimitHit{Type: typ, ResetString: reset}, true
}

// OAuthToken returns a freshly emitted OAuth token, scanning the fresh
// chunk before the rolling buffer.
func OAuthToken(chunk, buffer string) (string, bool) {
	for _, text := range []string{ansi.Strip(chunk), ansi.Strip(buffer)} {
		if tok := oauthTokenRe.FindString(text); tok != "" {
			return tok, true
		}
	}

	return "", false
}

// Email returns the first email address in the rolling buffer. The
// address typically appears well before the token in the stream, so the
// whole buffer is scanned, not just the latest chunk.
func Email(buffer string) (string, bool) {
	addr := emailRe.FindString(ansi.Strip(buffer))

	return addr, addr != ""
}

// ParseResetTime normalizes a reset-time string ("Dec 17 at 6am",
// "6:30pm", "tomorrow at 9am", "3pm (America/Chicago)") into an
// absolute time. Unparseable strings fall back to a conservative
// horizon: now+5h for session limits, now+7d for weekly.
func ParseResetTime(s string, typ LimitType, now time.Time) time.Time {
	loc := now.Location()
	text := strings.TrimSpace(s)

	if m := tzSuffixRe.FindStringSubmatch(text); m != nil {
		if parsed, err := time.LoadLocation(m[1]); err == nil {
			loc = parsed
		}

		text = strings.TrimSpace(text[:len(text)-len(m[0])])
	}

	local := now.In(loc)

	tomorrow := false
	if rest, ok := strings.CutPrefix(strings.ToLower(text), "tomorrow"); ok {
		tomorrow = true
		text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), "at "))
	}

	if t, ok := parseMonthDay(text, local, loc); ok {
		return t
	}

	if hour, minute, ok := parseClock(text); ok {
		t := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if tomorrow {
			t = t.AddDate(0, 0, 1)
		} else if !t.After(local) {
			// A bare clock time in the past means the next occurrence.
			t = t.AddDate(0, 0, 1)
		}

		return t
	}

	return now.Add(fallbackFor(typ))
}

func fallbackFor(typ LimitType) time.Duration {
	if typ == LimitWeekly {
		return weeklyResetFallback
	}

	return sessionResetFallback
}

func parseMonthDay(text string, local time.Time, loc *time.Location) (time.Time, bool) {
	m := monthDayRe.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}

	month, ok := monthByName(m[1])
	if !ok {
		return time.Time{}, false
	}

	day, err := strconv.Atoi(m[2])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, false
	}

	hour, minute := 0, 0
	if m[3] != "" {
		h, min, ok := parseClock(strings.TrimSpace(m[3]))
		if !ok {
			return time.Time{}, false
		}

		hour, minute = h, min
	}

	t := time.Date(local.Year(), month, day, hour, minute, 0, 0, loc)
	if t.Before(local) {
		// Resets are always in the near future; a past date means the
		// year rolled over (e.g. "Jan 2" seen in late December).
		t = t.AddDate(1, 0, 0)
	}

	return t, true
}

func parseClock(text string) (hour, minute int, ok bool) {
	m := clockRe.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, false
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil || hour < 1 || hour > 12 {
		return 0, 0, false
	}

	if m[2] != "" {
		minute, err = strconv.Atoi(m[2])
		if err != nil || minute > 59 {
			return 0, 0, false
		}
	}

	if strings.EqualFold(m[3], "pm") && hour != 12 {
		hour += 12
	} else if strings.EqualFold(m[3], "am") && hour == 12 {
		hour = 0
	}

	return hour, minute, true
}

func monthByName(name string) (time.Month, bool) {
	prefix := strings.ToLower(name)
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}

	months := map[string]time.Month{
		"jan": time.January, "feb": time.February, "mar": time.March,
		"apr": time.April, "may": time.May, "jun": time.June,
		"jul": time.July, "aug": time.August, "sep": time.September,
		"oct": time.October, "nov": time.November, "dec": time.December,
	}

	month, ok := months[prefix]

	return month, ok
}
