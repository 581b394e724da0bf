package standup

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/onnwee/standup-hub/bus"
	"github.com/onnwee/standup-hub/hipchat"
	"github.com/onnwee/standup-hub/telemetry"
)

// CommandPrefix is the slash command the webhook pattern matches on.
const CommandPrefix = "/standup"

// Command is a parsed webhook message.
type Command struct {
	Kind    CommandKind
	Mention string // CommandShow target, without the leading '@'
	Message string // CommandRecord body
}

type CommandKind int

const (
	CommandList CommandKind = iota
	CommandShow
	CommandClear
	CommandRecord
)

// ParseCommand maps raw webhook message text to a command. The grammar:
// empty body lists all statuses, a bare @mention shows one, "clear" removes
// the caller's own entry, anything else records the body as a new status.
func ParseCommand(text string) Command {
	body := strings.TrimSpace(strings.TrimPrefix(text, CommandPrefix))
	switch {
	case body == "":
		return Command{Kind: CommandList}
	case strings.HasPrefix(body, "@") && !strings.Contains(body, " "):
		return Command{Kind: CommandShow, Mention: strings.TrimPrefix(body, "@")}
	case body == "clear":
		return Command{Kind: CommandClear}
	default:
		return Command{Kind: CommandRecord, Message: body}
	}
}

// UpdatePayload is the live-update body pushed to connected browsers after a
// mutation.
type UpdatePayload struct {
	Glance   string   `json:"glance"`
	Statuses []Status `json:"statuses"`
}

// Dispatcher routes parsed commands to the store and emits the follow-up
// surface updates.
type Dispatcher struct {
	Store     *Store
	Bus       bus.Bus
	GlanceKey string
}

// NewDispatcher wires the command path to its store and bus.
func NewDispatcher(store *Store, b bus.Bus, glanceKey string) *Dispatcher {
	return &Dispatcher{Store: store, Bus: b, GlanceKey: glanceKey}
}

// Dispatch executes one webhook command for a tenant. Store failures
// propagate before any success notification is sent; notification and glance
// failures degrade to log lines. After a mutation the glance refresh and the
// bus publish are each emitted exactly once, whether or not the mutation
// changed anything.
func (d *Dispatcher) Dispatch(ctx context.Context, client *hipchat.Client, roomID string, from User, text string) error {
	log := telemetry.LoggerWithCorr(ctx)
	cmd := ParseCommand(text)
	defer telemetry.Inc(telemetry.CommandsHandled)

	switch cmd.Kind {
	case CommandList:
		statuses, err := d.Store.Find(ctx, client.Cred)
		if err != nil {
			return err
		}
		if len(statuses) == 0 {
			d.notify(ctx, client, roomID, "No status found")
			return nil
		}
		d.notify(ctx, client, roomID, RenderAll(statuses))
		return nil

	case CommandShow:
		statuses, err := d.Store.Find(ctx, client.Cred)
		if err != nil {
			return err
		}
		if st, ok := statuses[cmd.Mention]; ok {
			d.notify(ctx, client, roomID, renderStatus(st))
		} else {
			d.notify(ctx, client, roomID, "No status found")
		}
		return nil

	case CommandClear:
		statuses, removed, err := d.Store.Clear(ctx, client.Cred, from.MentionName)
		if err != nil {
			return err
		}
		if removed {
			d.notify(ctx, client, roomID, "Status cleared")
		} else {
			log.Debug("clear with no existing entry",
				"tenant", client.Cred.ID, "mention", from.MentionName)
		}
		d.emitUpdate(ctx, client, roomID, statuses)
		return nil

	default: // CommandRecord
		statuses, err := d.Store.Record(ctx, client.Cred, from, cmd.Message)
		if err != nil {
			return err
		}
		d.notify(ctx, client, roomID, "Status recorded")
		d.emitUpdate(ctx, client, roomID, statuses)
		return nil
	}
}

// notify sends a best-effort room message; failures never fail the command.
func (d *Dispatcher) notify(ctx context.Context, client *hipchat.Client, roomID, text string) {
	if err := client.SendNotification(ctx, roomID, hipchat.Notification{Text: text}); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("room notification failed",
			"tenant", client.Cred.ID, "error", err)
	}
}

// emitUpdate refreshes the glance and publishes one live-update event.
func (d *Dispatcher) emitUpdate(ctx context.Context, client *hipchat.Client, roomID string, statuses Statuses) {
	log := telemetry.LoggerWithCorr(ctx)

	glance := hipchat.Glance{Label: GlanceLabel(len(statuses))}
	if err := client.UpdateGlance(ctx, roomID, d.GlanceKey, glance); err != nil {
		log.Warn("glance update failed", "tenant", client.Cred.ID, "error", err)
	}

	if roomID == "" {
		roomID = client.Cred.RoomID
	}
	payload, err := json.Marshal(UpdatePayload{
		Glance:   glance.Label,
		Statuses: statuses.Sorted(),
	})
	if err != nil {
		log.Warn("update payload encoding failed", "error", err)
		return
	}
	msg := bus.Message{ClientID: client.Cred.ID, RoomID: roomID, Data: payload}
	if err := d.Bus.Publish(ctx, bus.Channel(client.Cred.ID, roomID), msg); err != nil {
		log.Warn("live update publish failed", "tenant", client.Cred.ID, "error", err)
	}
}
