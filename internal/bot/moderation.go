package bot

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tunzyshop/tunzymd/internal/gateway"
	"github.com/tunzyshop/tunzymd/internal/store"
)

// linkPattern matches any http(s) URL anywhere in the message body.
var linkPattern = regexp.MustCompile(`(?i)https?://\S+`)

const (
	// warnLimit is the warning count at which a warned user is removed.
	warnLimit = 4
	// mentionLimit is the mention count above which a message counts as
	// mass tagging.
	mentionLimit = 5
)

// moderate applies the chat's moderation policy to a non-command group
// message. Anti-link wins over anti-tag: a message that trips both is
// only handled as a link violation.
func (d *Dispatcher) moderate(ctx context.Context, t Transport, msg *gateway.Message) {
	settings, err := d.store.ChatSettings(msg.Chat)
	if err != nil {
		d.logger.Error("load chat settings", "chat", msg.Chat, "error", err)
		return
	}

	if settings.Antilink != nil && linkPattern.MatchString(msg.Body()) {
		d.enforceAntilink(ctx, t, msg, settings.Antilink.Mode)
		return
	}

	if settings.Antitag != nil && settings.Antitag.Enabled && isMassTag(msg) {
		d.deleteMessage(ctx, t, msg)
		d.reply(ctx, t, msg.Chat, "Mass tagging is not allowed.")
	}
}

// enforceAntilink handles a link violation with the configured
// consequence. Every sender is subject to enforcement, admins included.
func (d *Dispatcher) enforceAntilink(ctx context.Context, t Transport, msg *gateway.Message, mode string) {
	d.logger.Info("antilink violation", "chat", msg.Chat, "sender", msg.Sender, "mode", mode)

	switch mode {
	case store.AntilinkDelete:
		d.deleteMessage(ctx, t, msg)
		d.reply(ctx, t, msg.Chat, "GC links are not allowed in this group.")

	case store.AntilinkWarn:
		count, err := d.store.IncrementWarn(msg.Chat, msg.Sender)
		if err != nil {
			d.logger.Error("increment warn", "chat", msg.Chat, "sender", msg.Sender, "error", err)
			return
		}
		d.reply(ctx, t, msg.Chat, fmt.Sprintf("Link detected! Warning (%d/%d)", count, warnLimit))
		if count < warnLimit {
			return
		}
		// The counter resets whether or not the removal succeeds, so a
		// bot without admin rights does not re-kick on the next link.
		if err := d.store.ResetWarn(msg.Chat, msg.Sender); err != nil {
			d.logger.Error("reset warn", "chat", msg.Chat, "sender", msg.Sender, "error", err)
		}
		d.removeForLinks(ctx, t, msg)

	case store.AntilinkKick:
		d.removeForLinks(ctx, t, msg)
	}
}

func (d *Dispatcher) removeForLinks(ctx context.Context, t Transport, msg *gateway.Message) {
	if err := t.RemoveParticipants(ctx, msg.Chat, []string{msg.Sender}); err != nil {
		d.logger.Warn("remove participant failed", "chat", msg.Chat, "sender", msg.Sender, "error", err)
		d.reply(ctx, t, msg.Chat, "Failed to remove user - make sure the bot is admin.")
		return
	}
	d.reply(ctx, t, msg.Chat, "User removed for sending links.")
}

func (d *Dispatcher) deleteMessage(ctx context.Context, t Transport, msg *gateway.Message) {
	if err := t.DeleteMessage(ctx, msg.Chat, msg.ID, msg.Sender); err != nil {
		d.logger.Warn("delete message failed", "chat", msg.Chat, "id", msg.ID, "error", err)
	}
}

// isMassTag reports whether a message is a mass-mention: an @all-style
// keyword or more structural mentions than the limit.
func isMassTag(msg *gateway.Message) bool {
	body := strings.ToLower(msg.Body())
	if strings.Contains(body, "@all") || strings.Contains(body, "@everyone") {
		return true
	}
	return len(msg.Mentions) > mentionLimit
}
