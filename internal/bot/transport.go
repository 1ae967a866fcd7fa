// Package bot routes inbound chat events: command dispatch with
// permission tiers, group moderation enforcement, and membership
// announcements.
package bot

import (
	"context"
	"strings"

	"github.com/tunzyshop/tunzymd/internal/gateway"
)

// Transport is the outbound surface handlers use to act on the platform.
// *gateway.Client implements it; tests substitute fakes.
type Transport interface {
	SendText(ctx context.Context, chat, text string) error
	SendMention(ctx context.Context, chat, text string, mentions []string) error
	SendImage(ctx context.Context, chat string, data []byte, caption string) error
	SendSticker(ctx context.Context, chat string, data []byte) error
	SendVideo(ctx context.Context, chat string, data []byte, caption string) error
	SendAudio(ctx context.Context, chat string, data []byte, ptt bool) error
	DeleteMessage(ctx context.Context, chat, messageID, participant string) error
	GroupMetadata(ctx context.Context, chat string) (*gateway.GroupMetadata, error)
	RemoveParticipants(ctx context.Context, group string, members []string) error
	ApproveJoinRequests(ctx context.Context, group string) (int, error)
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, error)
}

// IsGroup reports whether a chat identity names a group conversation.
func IsGroup(chat string) bool {
	return strings.HasSuffix(chat, "@g.us")
}

// DisplayName strips the server suffix from a platform identity for use
// in mention text.
func DisplayName(id string) string {
	if i := strings.IndexByte(id, '@'); i >= 0 {
		return id[:i]
	}
	return id
}
