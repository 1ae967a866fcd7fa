package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/tunzyshop/tunzymd/internal/gateway"
)

// HandleParticipants announces group membership changes.
func (d *Dispatcher) HandleParticipants(ctx context.Context, t Transport, ev *gateway.ParticipantsUpdate) {
	if len(ev.Members) == 0 {
		return
	}

	var format string
	switch ev.Action {
	case "add":
		format = "♠ Welcome @%s!"
	case "remove":
		format = "♠ Goodbye @%s."
	case "promote":
		format = "♠ @%s is now an admin."
	case "demote":
		format = "♠ @%s is no longer an admin."
	default:
		return
	}

	var sb strings.Builder
	for i, m := range ev.Members {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, format, DisplayName(m))
	}
	if err := t.SendMention(ctx, ev.Group, sb.String(), ev.Members); err != nil {
		d.logger.Warn("send membership notice failed", "group", ev.Group, "error", err)
	}
}
