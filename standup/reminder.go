package standup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/standup-hub/addon"
	"github.com/onnwee/standup-hub/db"
	"github.com/onnwee/standup-hub/hipchat"
)

// reminderHour is the local hour at which room members get their nudge.
const reminderHour = 10

// Reminder sweeps installed tenants and pings available room members whose
// local clock reads ten in the morning, restating the room's current statuses.
type Reminder struct {
	Registry *addon.Registry
	Store    *Store

	now func() time.Time // test hook
}

// NewReminder builds a sweep over the tenant registry and status store.
func NewReminder(reg *addon.Registry, store *Store) *Reminder {
	return &Reminder{Registry: reg, Store: store, now: time.Now}
}

// Start launches the periodic sweep goroutine. It stops when ctx is done.
// An hourly interval covers each timezone's reminder window exactly once.
func (j *Reminder) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce sweeps every installed tenant. A failing tenant is logged and does
// not stop the sweep.
func (j *Reminder) RunOnce(ctx context.Context) {
	ids, err := db.ListTenantIDs(ctx, j.Registry.DB)
	if err != nil {
		slog.Error("reminder sweep failed to list tenants", slog.Any("error", err))
		return
	}
	for _, id := range ids {
		if err := j.remind(ctx, id); err != nil {
			slog.Warn("standup reminder failed",
				slog.String("tenant", id),
				slog.Any("error", err))
		}
	}
}

// remind notifies one tenant's room if any available member is in their
// reminder hour and has a current status to revisit.
func (j *Reminder) remind(ctx context.Context, tenantID string) error {
	client, err := j.Registry.LoadClient(ctx, tenantID)
	if err != nil {
		return err
	}
	if client.Cred.RoomID == "" {
		return nil
	}
	participants, err := client.RoomParticipants(ctx)
	if err != nil {
		return err
	}
	var due []string
	for _, p := range participants {
		if j.inReminderHour(p) {
			due = append(due, p.MentionName)
		}
	}
	if len(due) == 0 {
		return nil
	}
	statuses, err := j.Store.Find(ctx, client.Cred)
	if err != nil {
		return err
	}
	var mentions []string
	for _, m := range due {
		if _, ok := statuses[m]; ok {
			mentions = append(mentions, "@"+m)
		}
	}
	if len(mentions) == 0 {
		return nil
	}
	text := fmt.Sprintf("10 AM standup for %s", strings.Join(mentions, " "))
	if err := client.SendNotification(ctx, "", hipchat.Notification{Text: text}); err != nil {
		return err
	}
	return client.SendNotification(ctx, "", hipchat.Notification{Text: RenderAll(statuses)})
}

func (j *Reminder) inReminderHour(p hipchat.Participant) bool {
	if p.Timezone == "" || !p.Available() {
		return false
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return false
	}
	return j.now().In(loc).Hour() == reminderHour
}
