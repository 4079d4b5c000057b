package models

import (
	"strings"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram   ChannelType = "telegram"
	ChannelDiscord    ChannelType = "discord"
	ChannelSlack      ChannelType = "slack"
	ChannelWhatsApp   ChannelType = "whatsapp"
	ChannelSignal     ChannelType = "signal"
	ChannelMatrix     ChannelType = "matrix"
	ChannelTeams      ChannelType = "teams"
	ChannelMattermost ChannelType = "mattermost"
	ChannelIMessage   ChannelType = "imessage"
	ChannelVoice      ChannelType = "voice"
	ChannelWeb        ChannelType = "web"
)

// NormalizeChannel lowercases and trims a channel identifier.
func NormalizeChannel(channel ChannelType) ChannelType {
	return ChannelType(strings.ToLower(strings.TrimSpace(string(channel))))
}

// ChatType classifies the conversation an inbound event came from.
type ChatType string

const (
	ChatDirect  ChatType = "direct"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// IsGroup reports whether the chat type is a multi-party conversation.
func (c ChatType) IsGroup() bool {
	return c == ChatGroup || c == ChatChannel
}

// InboundEvent is the normalized shape every channel adapter produces.
type InboundEvent struct {
	Channel    ChannelType `json:"channel"`
	AccountID  string      `json:"account_id,omitempty"`
	PeerID     string      `json:"peer_id"`
	ThreadID   string      `json:"thread_id,omitempty"`
	ChatType   ChatType    `json:"chat_type,omitempty"`
	SenderID   string      `json:"sender_id,omitempty"`
	SenderName string      `json:"sender_name,omitempty"`

	// AgentID optionally pins the event to an agent; empty means the
	// configured default agent.
	AgentID string `json:"agent_id,omitempty"`

	// SessionKey optionally names an explicit session (bare or agent-scoped).
	SessionKey string `json:"session_key,omitempty"`

	// Thread hints used for session-type detection.
	ThreadLabel       string `json:"thread_label,omitempty"`
	ThreadStarterBody string `json:"thread_starter_body,omitempty"`
	ParentSessionKey  string `json:"parent_session_key,omitempty"`

	// Group routing context.
	GroupID      string `json:"group_id,omitempty"`
	GroupChannel string `json:"group_channel,omitempty"`
	Space        string `json:"space,omitempty"`

	Payload    TurnPayload `json:"payload"`
	ReceivedAt time.Time   `json:"received_at,omitempty"`
}

// TurnPayload is the content an inbound event contributes to a turn.
type TurnPayload struct {
	MessageID  string            `json:"message_id,omitempty"`
	SenderID   string            `json:"sender_id,omitempty"`
	SenderName string            `json:"sender_name,omitempty"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at,omitempty"`
}
