package bot

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tunzyshop/tunzymd/internal/content"
	"github.com/tunzyshop/tunzymd/internal/gateway"
	"github.com/tunzyshop/tunzymd/internal/media"
	"github.com/tunzyshop/tunzymd/internal/store"
)

// commandPrefix marks a message as a command invocation.
const commandPrefix = "."

// Tier is a sender's permission level, resolved fresh for every message.
type Tier int

const (
	TierMember Tier = iota
	TierAdmin
	TierOwner
)

// Config wires a Dispatcher. Content and Transcoder may be nil; the
// commands that need them reply with a not-configured notice.
type Config struct {
	OwnerNumber string
	OwnerName   string

	MenuImagePath string

	Store      *store.Store
	Content    *content.Client
	Transcoder media.Transcoder

	Logger *slog.Logger
}

type handlerFunc func(ctx context.Context, t Transport, msg *gateway.Message, args string) error

// Dispatcher routes inbound messages: commands to their handlers behind
// the permission gates, everything else in groups to moderation.
type Dispatcher struct {
	ownerDigits string
	ownerName   string
	menuImage   string

	store      *store.Store
	content    *content.Client
	transcoder media.Transcoder
	logger     *slog.Logger

	commands  map[string]handlerFunc
	ownerOnly map[string]bool
	adminOnly map[string]bool
}

// NewDispatcher builds the dispatcher and registers the command set.
func NewDispatcher(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		ownerDigits: digits(cfg.OwnerNumber),
		ownerName:   cfg.OwnerName,
		menuImage:   cfg.MenuImagePath,
		store:       cfg.Store,
		content:     cfg.Content,
		transcoder:  cfg.Transcoder,
		logger:      logger,
		commands:    make(map[string]handlerFunc),
		ownerOnly:   make(map[string]bool),
		adminOnly:   make(map[string]bool),
	}
	d.registerCommands()
	return d
}

// HandleMessage is the entry point for one inbound message. Commands are
// parsed and gated; non-command group traffic goes through moderation.
func (d *Dispatcher) HandleMessage(ctx context.Context, t Transport, msg *gateway.Message) {
	body := strings.TrimSpace(msg.Body())
	isGroup := IsGroup(msg.Chat)

	// View-once media is reopened into the chat before anything else.
	if msg.ViewOnce && msg.Media != nil {
		d.openViewOnce(ctx, t, msg)
	}

	if !strings.HasPrefix(body, commandPrefix) {
		if isGroup {
			d.moderate(ctx, t, msg)
		}
		return
	}

	name, args := splitCommand(body)
	if name == "" {
		return
	}

	settings, err := d.store.ChatSettings(msg.Chat)
	if err != nil {
		d.logger.Error("load chat settings", "chat", msg.Chat, "error", err)
		settings = store.Settings{Mode: store.ModePublic}
	}

	tier := d.resolveTier(ctx, t, msg.Chat, msg.Sender, isGroup)

	// Private mode: non-owner commands get a fixed denial notice.
	if settings.Mode == store.ModePrivate && tier < TierOwner {
		d.reply(ctx, t, msg.Chat, "♠ This chat is in private mode. Only my owner can use commands here.")
		return
	}

	if d.ownerOnly[name] && tier < TierOwner {
		d.reply(ctx, t, msg.Chat, "This command is for my owner only.")
		return
	}
	if d.adminOnly[name] {
		if !isGroup {
			d.reply(ctx, t, msg.Chat, "This command only works in groups.")
			return
		}
		if tier < TierAdmin {
			d.reply(ctx, t, msg.Chat, "Only group admins can use this command.")
			return
		}
	}

	h, ok := d.commands[name]
	if !ok {
		d.reply(ctx, t, msg.Chat, "Unknown command. Try .menu")
		return
	}

	d.logger.Info("command", "name", name, "chat", msg.Chat, "sender", msg.Sender)
	if err := h(ctx, t, msg, args); err != nil {
		d.logger.Error("command failed", "name", name, "chat", msg.Chat, "error", err)
	}
}

// resolveTier computes the sender's permission level. Owner beats
// everything; admin is looked up live from group metadata, and a failed
// lookup degrades to member rather than erroring the message.
func (d *Dispatcher) resolveTier(ctx context.Context, t Transport, chat, sender string, isGroup bool) Tier {
	if d.isOwner(sender) {
		return TierOwner
	}
	if isGroup && d.isAdmin(ctx, t, chat, sender) {
		return TierAdmin
	}
	return TierMember
}

func (d *Dispatcher) isOwner(sender string) bool {
	return d.ownerDigits != "" && strings.Contains(sender, d.ownerDigits)
}

func (d *Dispatcher) isAdmin(ctx context.Context, t Transport, chat, sender string) bool {
	meta, err := t.GroupMetadata(ctx, chat)
	if err != nil {
		d.logger.Warn("group metadata lookup failed", "chat", chat, "error", err)
		return false
	}
	for _, p := range meta.Participants {
		if p.ID == sender {
			return p.Admin
		}
	}
	return false
}

// reply sends a text response, logging failures instead of propagating
// them — a dead send must not break the event loop.
func (d *Dispatcher) reply(ctx context.Context, t Transport, chat, text string) {
	if err := t.SendText(ctx, chat, text); err != nil {
		d.logger.Warn("send reply failed", "chat", chat, "error", err)
	}
}

// splitCommand parses ".name rest of args" into a lowercased name and
// the untouched argument string.
func splitCommand(body string) (name, args string) {
	body = strings.TrimPrefix(body, commandPrefix)
	name, args, _ = strings.Cut(body, " ")
	return strings.ToLower(name), strings.TrimSpace(args)
}

// digits strips everything but 0-9 from a phone number.
func digits(number string) string {
	var sb strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
