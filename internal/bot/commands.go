package bot

import (
	"context"
	"fmt"
	"os"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/tunzyshop/tunzymd/internal/content"
	"github.com/tunzyshop/tunzymd/internal/gateway"
	"github.com/tunzyshop/tunzymd/internal/store"
)

func (d *Dispatcher) registerCommands() {
	public := map[string]handlerFunc{
		"menu":      d.cmdMenu,
		"ping":      d.cmdPing,
		"owner":     d.cmdOwner,
		"say":       d.cmdSay,
		"qr":        d.cmdQR,
		"ai":        d.cmdAI,
		"chat":      d.cmdAI,
		"ig":        d.cmdInstagram,
		"tiktok":    d.cmdTikTok,
		"s":         d.cmdSticker,
		"sticker":   d.cmdSticker,
		"hd":        d.cmdHD,
		"vv":        d.cmdViewOnce,
		"tag":       d.cmdTag,
		"hidetag":   d.cmdHideTag,
		"groupinfo": d.cmdGroupInfo,
	}
	ownerOnly := map[string]handlerFunc{
		"private": d.cmdPrivate,
		"public":  d.cmdPublic,
		"sufp":    d.cmdSetMenuImage,
	}
	adminOnly := map[string]handlerFunc{
		"tagall":     d.cmdTagAll,
		"tagadmin":   d.cmdTagAdmin,
		"listonline": d.cmdListOnline,
		"acceptall":  d.cmdAcceptAll,
		"antilink":   d.cmdAntilink,
		"antitag":    d.cmdAntitag,
	}

	for name, h := range public {
		d.commands[name] = h
	}
	for name, h := range ownerOnly {
		d.commands[name] = h
		d.ownerOnly[name] = true
	}
	for name, h := range adminOnly {
		d.commands[name] = h
		d.adminOnly[name] = true
	}
}

func (d *Dispatcher) menuText() string {
	return fmt.Sprintf(`╔═══ ♠ TUNZY MD ♠ ═══
║ Owner: %s
║
║ General
║ .menu .ping .owner
║ .say <text>  .qr <text>
║ .ai <prompt>
║
║ Media
║ .ig <link>  .tiktok <link>
║ .s  .hd  .vv
║
║ Group
║ .tag  .tagall  .tagadmin
║ .hidetag  .listonline
║ .groupinfo  .acceptall
║ .antilink <mode>  .antitag <on|off>
║
║ Owner
║ .private  .public  .sufp <file>
╚═══════════════════`, d.ownerName)
}

func (d *Dispatcher) cmdMenu(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	image := d.menuImage
	if settings, err := d.store.ChatSettings(msg.Chat); err == nil && settings.MenuImage != "" {
		image = settings.MenuImage
	}

	if image != "" {
		if data, err := os.ReadFile(image); err == nil {
			return t.SendImage(ctx, msg.Chat, data, d.menuText())
		}
		d.logger.Warn("menu image unreadable, sending text menu", "path", image)
	}
	return t.SendText(ctx, msg.Chat, d.menuText())
}

func (d *Dispatcher) cmdPing(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	return t.SendText(ctx, msg.Chat, fmt.Sprintf("♠ Pong - %s", d.ownerName))
}

func (d *Dispatcher) cmdOwner(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	return t.SendText(ctx, msg.Chat,
		fmt.Sprintf("♠ Owner: %s\n♠ Number: %s", d.ownerName, d.ownerDigits))
}

func (d *Dispatcher) cmdSay(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	if args == "" {
		return t.SendText(ctx, msg.Chat, "Usage: .say <text>")
	}
	return t.SendText(ctx, msg.Chat, args)
}

func (d *Dispatcher) cmdQR(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	if args == "" {
		return t.SendText(ctx, msg.Chat, "Usage: .qr <text>")
	}
	png, err := qrcode.Encode(args, qrcode.Medium, 512)
	if err != nil {
		d.reply(ctx, t, msg.Chat, "Could not generate a QR code for that.")
		return fmt.Errorf("encode qr: %w", err)
	}
	return t.SendImage(ctx, msg.Chat, png, "♠ QR")
}

func (d *Dispatcher) cmdAI(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	if d.content == nil {
		return t.SendText(ctx, msg.Chat, "AI service is not configured.")
	}
	if args == "" {
		return t.SendText(ctx, msg.Chat, "Usage: .ai <prompt>")
	}
	reply, err := d.content.AIChat(ctx, args)
	if err != nil {
		d.reply(ctx, t, msg.Chat, "AI service failed, try again later.")
		return err
	}
	return t.SendText(ctx, msg.Chat, "♠ AI:\n"+reply)
}

func (d *Dispatcher) cmdInstagram(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	return d.socialDownload(ctx, t, msg, args, "Usage: .ig <link>", d.contentInstagram)
}

func (d *Dispatcher) cmdTikTok(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	return d.socialDownload(ctx, t, msg, args, "Usage: .tiktok <link>", d.contentTikTok)
}

func (d *Dispatcher) contentInstagram(ctx context.Context, link string) (*content.MediaResult, error) {
	return d.content.Instagram(ctx, link)
}

func (d *Dispatcher) contentTikTok(ctx context.Context, link string) (*content.MediaResult, error) {
	return d.content.TikTok(ctx, link)
}

func (d *Dispatcher) socialDownload(ctx context.Context, t Transport, msg *gateway.Message, link, usage string, resolve func(context.Context, string) (*content.MediaResult, error)) error {
	if d.content == nil {
		return t.SendText(ctx, msg.Chat, "Downloads are not configured.")
	}
	if link == "" {
		return t.SendText(ctx, msg.Chat, usage)
	}

	media, err := resolve(ctx, link)
	if err != nil {
		d.reply(ctx, t, msg.Chat, "Could not fetch that link.")
		return err
	}
	data, err := d.content.Fetch(ctx, media.URL)
	if err != nil {
		d.reply(ctx, t, msg.Chat, "Download failed, try again later.")
		return err
	}

	if media.Kind == content.KindVideo {
		return t.SendVideo(ctx, msg.Chat, data, "♠ Downloaded")
	}
	return t.SendImage(ctx, msg.Chat, data, "♠ Downloaded")
}

func (d *Dispatcher) cmdSticker(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	if msg.Quoted == nil {
		return t.SendText(ctx, msg.Chat, "Reply to an image or video with .s")
	}
	if d.transcoder == nil {
		return t.SendText(ctx, msg.Chat, "Sticker service is not configured.")
	}

	data, err := t.DownloadMedia(ctx, msg.Quoted.ID)
	if err != nil {
		d.reply(ctx, t, msg.Chat, "Failed to download the media.")
		return err
	}
	webp, err := d.transcoder.ToSticker(ctx, data, msg.Quoted.MimeType)
	if err != nil {
		d.reply(ctx, t, msg.Chat, "Sticker conversion failed.")
		return err
	}
	return t.SendSticker(ctx, msg.Chat, webp)
}

func (d *Dispatcher) cmdHD(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	if msg.Quoted == nil || !strings.HasPrefix(msg.Quoted.MimeType, "image/") {
		return t.SendText(ctx, msg.Chat, "Reply to an image with .hd")
	}
	if d.transcoder == nil {
		return t.SendText(ctx, msg.Chat, "HD service is not configured.")
	}

	data, err := t.DownloadMedia(ctx, msg.Quoted.ID)
	if err != nil {
		d.reply(ctx, t, msg.Chat, "Failed to download the media.")
		return err
	}
	enhanced, err := d.transcoder.Enhance(ctx, data)
	if err != nil {
		d.reply(ctx, t, msg.Chat, "Enhancement failed.")
		return err
	}
	return t.SendImage(ctx, msg.Chat, enhanced, "♠ HD")
}

// openViewOnce re-sends incoming view-once media as a regular message
// so it stays visible in the chat. Failures are logged, never replied.
func (d *Dispatcher) openViewOnce(ctx context.Context, t Transport, msg *gateway.Message) {
	data, err := t.DownloadMedia(ctx, msg.Media.ID)
	if err != nil {
		d.logger.Warn("view-once download failed", "chat", msg.Chat, "error", err)
		return
	}

	switch {
	case strings.HasPrefix(msg.Media.MimeType, "image/"):
		err = t.SendImage(ctx, msg.Chat, data, "♠ Opened")
	case strings.HasPrefix(msg.Media.MimeType, "video/"):
		err = t.SendVideo(ctx, msg.Chat, data, "♠ Opened")
	case strings.HasPrefix(msg.Media.MimeType, "audio/"):
		err = t.SendAudio(ctx, msg.Chat, data, true)
	default:
		return
	}
	if err != nil {
		d.logger.Warn("view-once reopen failed", "chat", msg.Chat, "error", err)
	}
}

func (d *Dispatcher) cmdViewOnce(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	if msg.Quoted == nil {
		return t.SendText(ctx, msg.Chat, "Reply to a view-once message with .vv")
	}

	data, err := t.DownloadMedia(ctx, msg.Quoted.ID)
	if err != nil {
		d.reply(ctx, t, msg.Chat, "Failed to open that message.")
		return err
	}

	switch {
	case strings.HasPrefix(msg.Quoted.MimeType, "image/"):
		return t.SendImage(ctx, msg.Chat, data, "♠ Opened")
	case strings.HasPrefix(msg.Quoted.MimeType, "video/"):
		return t.SendVideo(ctx, msg.Chat, data, "♠ Opened")
	case strings.HasPrefix(msg.Quoted.MimeType, "audio/"):
		return t.SendAudio(ctx, msg.Chat, data, true)
	default:
		return t.SendText(ctx, msg.Chat, "Unsupported media type.")
	}
}

func (d *Dispatcher) cmdTag(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	text := args
	if text == "" {
		text = "@" + DisplayName(msg.Sender)
	}
	return t.SendMention(ctx, msg.Chat, text, []string{msg.Sender})
}

func (d *Dispatcher) cmdHideTag(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	if !IsGroup(msg.Chat) {
		return t.SendText(ctx, msg.Chat, "This command only works in groups.")
	}
	meta, err := t.GroupMetadata(ctx, msg.Chat)
	if err != nil {
		d.reply(ctx, t, msg.Chat, "Could not load the member list.")
		return err
	}
	text := args
	if text == "" {
		text = " "
	}
	return t.SendMention(ctx, msg.Chat, text, meta.MemberIDs())
}

func (d *Dispatcher) cmdGroupInfo(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	if !IsGroup(msg.Chat) {
		return t.SendText(ctx, msg.Chat, "This command only works in groups.")
	}
	meta, err := t.GroupMetadata(ctx, msg.Chat)
	if err != nil {
		d.reply(ctx, t, msg.Chat, "Could not load the group info.")
		return err
	}
	return t.SendText(ctx, msg.Chat, fmt.Sprintf(
		"♠ Group: %s\n♠ ID: %s\n♠ Owner: %s\n♠ Members: %d\n♠ Admins: %d",
		meta.Subject, meta.ID, DisplayName(meta.Owner),
		len(meta.Participants), len(meta.Admins())))
}

func (d *Dispatcher) cmdTagAll(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	meta, err := t.GroupMetadata(ctx, msg.Chat)
	if err != nil {
		d.reply(ctx, t, msg.Chat, "Could not load the member list.")
		return err
	}

	var sb strings.Builder
	if args != "" {
		sb.WriteString(args + "\n\n")
	}
	for _, id := range meta.MemberIDs() {
		fmt.Fprintf(&sb, "🍀 @%s\n", DisplayName(id))
	}
	return t.SendMention(ctx, msg.Chat, sb.String(), meta.MemberIDs())
}

func (d *Dispatcher) cmdTagAdmin(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	meta, err := t.GroupMetadata(ctx, msg.Chat)
	if err != nil {
		d.reply(ctx, t, msg.Chat, "Could not load the member list.")
		return err
	}
	admins := meta.Admins()
	if len(admins) == 0 {
		return t.SendText(ctx, msg.Chat, "No admins found.")
	}

	var sb strings.Builder
	sb.WriteString("♠ Admins:\n")
	for _, id := range admins {
		fmt.Fprintf(&sb, "♠ @%s\n", DisplayName(id))
	}
	return t.SendMention(ctx, msg.Chat, sb.String(), admins)
}

func (d *Dispatcher) cmdListOnline(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	meta, err := t.GroupMetadata(ctx, msg.Chat)
	if err != nil {
		d.reply(ctx, t, msg.Chat, "Could not load the member list.")
		return err
	}

	var online []string
	for _, p := range meta.Participants {
		if p.Online {
			online = append(online, p.ID)
		}
	}
	if len(online) == 0 {
		return t.SendText(ctx, msg.Chat, "No online members visible.")
	}

	var sb strings.Builder
	sb.WriteString("♠ Online:\n")
	for _, id := range online {
		fmt.Fprintf(&sb, "♠ @%s\n", DisplayName(id))
	}
	return t.SendMention(ctx, msg.Chat, sb.String(), online)
}

func (d *Dispatcher) cmdAcceptAll(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	n, err := t.ApproveJoinRequests(ctx, msg.Chat)
	if err != nil {
		d.reply(ctx, t, msg.Chat, "Could not approve join requests - make sure the bot is admin.")
		return err
	}
	if n == 0 {
		return t.SendText(ctx, msg.Chat, "No pending join requests.")
	}
	return t.SendText(ctx, msg.Chat, fmt.Sprintf("Approved %d pending join requests.", n))
}

func (d *Dispatcher) cmdPrivate(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	if err := d.store.SetMode(msg.Chat, store.ModePrivate); err != nil {
		d.reply(ctx, t, msg.Chat, "Could not update chat settings.")
		return err
	}
	return t.SendText(ctx, msg.Chat, "♠ Bot is now in private mode here.")
}

func (d *Dispatcher) cmdPublic(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	if err := d.store.SetMode(msg.Chat, store.ModePublic); err != nil {
		d.reply(ctx, t, msg.Chat, "Could not update chat settings.")
		return err
	}
	return t.SendText(ctx, msg.Chat, "♠ Bot is now in public mode here.")
}

func (d *Dispatcher) cmdSetMenuImage(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	if args == "" {
		return t.SendText(ctx, msg.Chat, "Usage: .sufp <image file>")
	}
	if _, err := os.Stat(args); err != nil {
		return t.SendText(ctx, msg.Chat, "File not found: "+args)
	}
	if err := d.store.SetMenuImage(msg.Chat, args); err != nil {
		d.reply(ctx, t, msg.Chat, "Could not update chat settings.")
		return err
	}
	return t.SendText(ctx, msg.Chat, "Menu picture updated for this chat.")
}

func (d *Dispatcher) cmdAntilink(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	// Only the first word selects the mode; trailing text is ignored.
	mode, _, _ := strings.Cut(strings.ToLower(args), " ")
	switch mode {
	case "off":
		if err := d.store.SetAntilink(msg.Chat, ""); err != nil {
			d.reply(ctx, t, msg.Chat, "Could not update chat settings.")
			return err
		}
		return t.SendText(ctx, msg.Chat, "AntiLink disabled for this group.")
	case store.AntilinkDelete, store.AntilinkWarn, store.AntilinkKick:
		if err := d.store.SetAntilink(msg.Chat, mode); err != nil {
			d.reply(ctx, t, msg.Chat, "Could not update chat settings.")
			return err
		}
		return t.SendText(ctx, msg.Chat, fmt.Sprintf("AntiLink enabled (%s mode).", mode))
	default:
		return t.SendText(ctx, msg.Chat, "Usage: .antilink <delete|warn|kick|off>")
	}
}

func (d *Dispatcher) cmdAntitag(ctx context.Context, t Transport, msg *gateway.Message, args string) error {
	mode, _, _ := strings.Cut(strings.ToLower(args), " ")
	switch mode {
	case "on":
		if err := d.store.SetAntitag(msg.Chat, true); err != nil {
			d.reply(ctx, t, msg.Chat, "Could not update chat settings.")
			return err
		}
		return t.SendText(ctx, msg.Chat, "AntiTag enabled for this group.")
	case "off":
		if err := d.store.SetAntitag(msg.Chat, false); err != nil {
			d.reply(ctx, t, msg.Chat, "Could not update chat settings.")
			return err
		}
		return t.SendText(ctx, msg.Chat, "AntiTag disabled for this group.")
	default:
		return t.SendText(ctx, msg.Chat, "Usage: .antitag <on|off>")
	}
}
