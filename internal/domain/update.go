package domain

import "time"

// SenderKind describes who a message was posted as.
type SenderKind string

const (
	SenderUnknown      SenderKind = ""
	SenderUser         SenderKind = "user"
	SenderChatIdentity SenderKind = "chat"         // posted as a channel or group
	SenderConversation SenderKind = "conversation" // the conversation posting as itself (channel posts)
)

// Sender identifies the author of an update.
type Sender struct {
	Kind  SenderKind
	ID    int64
	Name  string // username or title, for logs and warning text
	IsBot bool
}

// Update is one normalized inbound event. It is built once at the ingress
// boundary; unknown wire fields never reach the pipeline.
type Update struct {
	UpdateID      int64
	ChatID        int64
	ChatType      string // private | group | supergroup | channel
	ThreadID      int64  // forum topic, 0 when absent
	MessageID     int64
	Sender        Sender
	Text          string // text or caption
	IsEdit        bool
	IsAutoForward bool
	Date          time.Time
}

// Malformed reports whether required fields are missing.
func (u Update) Malformed() bool {
	return u.ChatID == 0 || u.MessageID == 0
}

// Scope is the cooldown key for an update.
func (u Update) Scope() Scope {
	return Scope{ChatID: u.ChatID, ThreadID: u.ThreadID}
}

// Scope is a (conversation, thread) pair.
type Scope struct {
	ChatID   int64
	ThreadID int64
}
