// Package gateway provides the client for the messaging-platform gateway
// daemon. The daemon owns the platform wire protocol and credential
// handshake; tunzymd talks to it with JSON frames over a websocket —
// requests carry an id and are answered by the daemon, events carry no id
// and are pushed as they happen.
package gateway

// Event is one notification pushed by the gateway. Kind selects which of
// the payload fields is populated.
type Event struct {
	Kind string `json:"kind"`

	Connection   *ConnectionUpdate   `json:"connection,omitempty"`
	Message      *Message            `json:"message,omitempty"`
	PairingCode  string              `json:"pairingCode,omitempty"`
	Participants *ParticipantsUpdate `json:"participants,omitempty"`
}

// Event kinds pushed by the gateway daemon.
const (
	EventConnection   = "connection.update"
	EventMessage      = "message"
	EventPairingCode  = "pairing.code"
	EventParticipants = "participants.update"
)

// Connection states reported by ConnectionUpdate.
const (
	ConnectionOpen   = "open"
	ConnectionClosed = "close"
)

// StatusLoggedOut is the close status code for an explicit credential
// revocation by the platform. Any other close code is a transient failure.
const StatusLoggedOut = 401

// ConnectionUpdate reports a change in the platform-side connection for
// the session this client is bound to.
type ConnectionUpdate struct {
	State      string `json:"state"` // "open" or "close"
	StatusCode int    `json:"statusCode,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Message is one inbound chat message. Chat identifies the conversation
// (group identities end in "@g.us"); Sender is the authoring user, which
// differs from Chat only in groups.
type Message struct {
	ID     string `json:"id"`
	Chat   string `json:"chat"`
	Sender string `json:"sender"`

	Text     string   `json:"text,omitempty"`
	Caption  string   `json:"caption,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
	ViewOnce bool     `json:"viewOnce,omitempty"`

	Media  *MediaRef `json:"media,omitempty"`
	Quoted *MediaRef `json:"quoted,omitempty"` // media of the replied-to message, if any
}

// Body returns the moderation-relevant text of a message: the plain text
// when present, otherwise the media caption.
func (m *Message) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// MediaRef points at a piece of media held by the gateway. The bytes are
// fetched on demand with [Client.DownloadMedia].
type MediaRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
}

// ParticipantsUpdate reports membership changes in a group.
type ParticipantsUpdate struct {
	Group   string   `json:"group"`
	Action  string   `json:"action"` // "add", "remove", "promote", "demote"
	Members []string `json:"members"`
}

// GroupMetadata describes a group chat at query time.
type GroupMetadata struct {
	ID           string        `json:"id"`
	Subject      string        `json:"subject"`
	Owner        string        `json:"owner"`
	Participants []Participant `json:"participants"`
}

// Participant is one group member.
type Participant struct {
	ID     string `json:"id"`
	Admin  bool   `json:"admin"`
	Online bool   `json:"online,omitempty"`
}

// Admins returns the identities of all administrators.
func (g *GroupMetadata) Admins() []string {
	var out []string
	for _, p := range g.Participants {
		if p.Admin {
			out = append(out, p.ID)
		}
	}
	return out
}

// MemberIDs returns the identities of all participants.
func (g *GroupMetadata) MemberIDs() []string {
	out := make([]string, 0, len(g.Participants))
	for _, p := range g.Participants {
		out = append(out, p.ID)
	}
	return out
}

// pairingCodeResult is the response payload for a requestPairingCode call.
type pairingCodeResult struct {
	Code string `json:"code"`
}

// mediaResult is the response payload for a downloadMedia call. Data is
// base64 in the frame; encoding/json decodes it into the byte slice.
type mediaResult struct {
	Data []byte `json:"data"`
}
