package standup

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/standup-hub/addon"
	"github.com/onnwee/standup-hub/db"
	"github.com/onnwee/standup-hub/hipchat"
	"github.com/onnwee/standup-hub/testutil"
)

// tenAMIn returns a wall-clock instant that reads 10:30 local time in tz.
func tenAMIn(t *testing.T, tz string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation(tz)
	if err != nil {
		t.Fatalf("load location %s: %v", tz, err)
	}
	return time.Date(2026, 8, 31, 10, 30, 0, 0, loc)
}

func setupReminder(t *testing.T, tenantID string) (*Reminder, *fixture) {
	t.Helper()
	f := setupDispatcher(t, tenantID)
	database := f.store.DB
	if err := db.UpsertTenant(context.Background(), database, f.client.Cred); err != nil {
		t.Fatalf("upsert tenant: %v", err)
	}
	t.Cleanup(func() {
		_ = db.DeleteTenant(context.Background(), database, tenantID)
	})
	reg := addon.NewRegistry(database, hipchat.NewTokenCache(f.platform.Client()), f.platform.Client())
	return NewReminder(reg, f.store), f
}

func TestReminderNudgesDueParticipants(t *testing.T) {
	reminder, f := setupReminder(t, "reminder-due")
	now := tenAMIn(t, "Europe/Berlin")
	reminder.now = func() time.Time { return now }
	f.store.now = func() time.Time { return now.UTC() }

	if _, err := f.store.Record(context.Background(), f.client.Cred, alice, "shipping the release"); err != nil {
		t.Fatalf("record: %v", err)
	}
	f.platform.SetParticipants([]hipchat.Participant{
		{MentionName: "alice", Name: "Alice", Timezone: "Europe/Berlin"},
		{MentionName: "bob", Name: "Bob", Timezone: "America/New_York"}, // 04:30 local
	})

	reminder.RunOnce(context.Background())

	notifications := f.platform.Notifications()
	if len(notifications) != 2 {
		t.Fatalf("notifications = %d, want reminder + status listing", len(notifications))
	}
	if got := notifications[0]["message"]; got != "10 AM standup for @alice" {
		t.Errorf("reminder message = %v", got)
	}
	if got, _ := notifications[1]["message"].(string); !strings.Contains(got, "Alice: shipping the release") {
		t.Errorf("status listing = %q", got)
	}
}

func TestReminderSkipsParticipantsWithoutStatus(t *testing.T) {
	reminder, f := setupReminder(t, "reminder-no-status")
	now := tenAMIn(t, "Europe/Berlin")
	reminder.now = func() time.Time { return now }

	// Bob is in his reminder hour but never recorded anything.
	f.platform.SetParticipants([]hipchat.Participant{
		{MentionName: "bob", Name: "Bob", Timezone: "Europe/Berlin"},
	})

	reminder.RunOnce(context.Background())

	if got := len(f.platform.Notifications()); got != 0 {
		t.Errorf("notifications = %d, want none without a recorded status", got)
	}
}

func TestReminderSkipsAwayParticipants(t *testing.T) {
	reminder, f := setupReminder(t, "reminder-away")
	now := tenAMIn(t, "Europe/Berlin")
	reminder.now = func() time.Time { return now }
	f.store.now = func() time.Time { return now.UTC() }

	if _, err := f.store.Record(context.Background(), f.client.Cred, alice, "reviewing PRs"); err != nil {
		t.Fatalf("record: %v", err)
	}
	f.platform.SetParticipants([]hipchat.Participant{
		{MentionName: "alice", Name: "Alice", Timezone: "Europe/Berlin",
			Presence: map[string]any{"show": "xa"}},
	})

	reminder.RunOnce(context.Background())

	if got := len(f.platform.Notifications()); got != 0 {
		t.Errorf("notifications = %d, want none for away participants", got)
	}
}

func TestReminderSurvivesBrokenTenant(t *testing.T) {
	reminder, f := setupReminder(t, "reminder-broken")
	now := tenAMIn(t, "Europe/Berlin")
	reminder.now = func() time.Time { return now }
	f.store.now = func() time.Time { return now.UTC() }

	// A second tenant whose platform rejects the participants call must not
	// stop the sweep from reaching the healthy one.
	broken := testutil.NewMockPlatformServer(t)
	broken.TokenStatus = http.StatusUnauthorized
	if err := db.UpsertTenant(context.Background(), f.store.DB, broken.Credential("reminder-borked", "200")); err != nil {
		t.Fatalf("upsert tenant: %v", err)
	}
	t.Cleanup(func() {
		_ = db.DeleteTenant(context.Background(), f.store.DB, "reminder-borked")
	})

	if _, err := f.store.Record(context.Background(), f.client.Cred, alice, "pairing with bob"); err != nil {
		t.Fatalf("record: %v", err)
	}
	f.platform.SetParticipants([]hipchat.Participant{
		{MentionName: "alice", Name: "Alice", Timezone: "Europe/Berlin"},
	})

	reminder.RunOnce(context.Background())

	if got := len(f.platform.Notifications()); got != 2 {
		t.Errorf("healthy tenant notifications = %d, want 2", got)
	}
}
