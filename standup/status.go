// Package standup holds the status domain: per-room status records, their
// retention rules, rendering, and the command dispatcher that maps webhook
// messages onto them.
package standup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/onnwee/standup-hub/db"
	"github.com/onnwee/standup-hub/hipchat"
)

// RetentionWindow bounds how old an entry may be and still appear in reads.
// Older entries stay in storage; they are only filtered out.
const RetentionWindow = 72 * time.Hour

// User describes the author of a status, as delivered by the webhook payload.
type User struct {
	ID          json.Number `json:"id"`
	Name        string      `json:"name"`
	MentionName string      `json:"mention_name"`
}

// Status is one user's standup entry.
type Status struct {
	User    User      `json:"user"`
	Message string    `json:"message"`
	Date    time.Time `json:"date"`
}

// Statuses maps mention name to the user's current entry. At most one entry
// per mention name per scope.
type Statuses map[string]Status

// Sorted returns entries ordered by recording time, oldest first.
func (s Statuses) Sorted() []Status {
	out := make([]Status, 0, len(s))
	for _, st := range s {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// Store persists status records keyed by (tenant, group, capabilities url).
type Store struct {
	DB  *sql.DB
	now func() time.Time // test hook
}

// NewStore wraps a database handle.
func NewStore(dbx *sql.DB) *Store {
	return &Store{DB: dbx, now: time.Now}
}

// Find returns the current statuses for a tenant scope with entries older
// than the retention window filtered out.
func (s *Store) Find(ctx context.Context, cred *hipchat.Credential) (Statuses, error) {
	all, err := s.load(ctx, cred)
	if err != nil {
		return nil, err
	}
	return s.fresh(all), nil
}

// Record upserts the author's entry with the given message and the current
// time, and returns the resulting filtered view.
func (s *Store) Record(ctx context.Context, cred *hipchat.Credential, from User, message string) (Statuses, error) {
	all, err := s.load(ctx, cred)
	if err != nil {
		return nil, err
	}
	all[from.MentionName] = Status{User: from, Message: message, Date: s.now().UTC()}
	if err := s.save(ctx, cred, all); err != nil {
		return nil, err
	}
	return s.fresh(all), nil
}

// Clear removes the entry for mentionName. Clearing an absent entry is a
// no-op; the second return reports whether anything was removed.
func (s *Store) Clear(ctx context.Context, cred *hipchat.Credential, mentionName string) (Statuses, bool, error) {
	all, err := s.load(ctx, cred)
	if err != nil {
		return nil, false, err
	}
	_, existed := all[mentionName]
	if existed {
		delete(all, mentionName)
		if err := s.save(ctx, cred, all); err != nil {
			return nil, false, err
		}
	}
	return s.fresh(all), existed, nil
}

// load reads the full stored map, including entries past retention.
func (s *Store) load(ctx context.Context, cred *hipchat.Credential) (Statuses, error) {
	raw, err := db.GetStandup(ctx, s.DB, cred.ID, cred.GroupID, cred.CapabilitiesURL)
	if err != nil {
		return nil, fmt.Errorf("load statuses: %w", err)
	}
	if raw == nil {
		return Statuses{}, nil
	}
	var all Statuses
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("decode statuses: %w", err)
	}
	if all == nil {
		all = Statuses{}
	}
	return all, nil
}

func (s *Store) save(ctx context.Context, cred *hipchat.Credential, all Statuses) error {
	raw, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("encode statuses: %w", err)
	}
	if err := db.UpsertStandup(ctx, s.DB, cred.ID, cred.GroupID, cred.CapabilitiesURL, raw); err != nil {
		return fmt.Errorf("save statuses: %w", err)
	}
	return nil
}

func (s *Store) fresh(all Statuses) Statuses {
	cutoff := s.now().UTC().Add(-RetentionWindow)
	out := make(Statuses, len(all))
	for mention, st := range all {
		if st.Date.After(cutoff) {
			out[mention] = st
		}
	}
	return out
}

// renderStatus is the one-line chat rendering of a single entry.
func renderStatus(st Status) string {
	return fmt.Sprintf("%s: %s", st.User.Name, st.Message)
}

// RenderAll renders every fresh entry, one line each, oldest first.
func RenderAll(sts Statuses) string {
	var b strings.Builder
	for _, st := range sts.Sorted() {
		b.WriteString(renderStatus(st))
		b.WriteString("\n")
	}
	return b.String()
}

// GlanceLabel is the compact sidebar summary for a status set.
func GlanceLabel(n int) string {
	switch n {
	case 0:
		return "No statuses"
	case 1:
		return "1 status"
	default:
		return fmt.Sprintf("%d statuses", n)
	}
}
