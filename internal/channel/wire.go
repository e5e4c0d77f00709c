package channel

import (
	"encoding/json"
	"time"

	"chatguard/internal/domain"
)

// wireUpdate is the subset of a Bot API Update the moderator reads.
// Everything else in the payload is discarded during decoding.
type wireUpdate struct {
	UpdateID          int64        `json:"update_id"`
	Message           *wireMessage `json:"message,omitempty"`
	EditedMessage     *wireMessage `json:"edited_message,omitempty"`
	ChannelPost       *wireMessage `json:"channel_post,omitempty"`
	EditedChannelPost *wireMessage `json:"edited_channel_post,omitempty"`
}

type wireMessage struct {
	MessageID          int64     `json:"message_id"`
	MessageThreadID    int64     `json:"message_thread_id,omitempty"`
	IsTopicMessage     bool      `json:"is_topic_message,omitempty"`
	Date               int64     `json:"date,omitempty"`
	Chat               *wireChat `json:"chat,omitempty"`
	From               *wireUser `json:"from,omitempty"`
	SenderChat         *wireChat `json:"sender_chat,omitempty"`
	IsAutomaticForward bool      `json:"is_automatic_forward,omitempty"`
	Text               string    `json:"text,omitempty"`
	Caption            string    `json:"caption,omitempty"`

	// Service message markers; any of these makes the message a status update.
	NewChatMembers                json.RawMessage `json:"new_chat_members,omitempty"`
	LeftChatMember                json.RawMessage `json:"left_chat_member,omitempty"`
	NewChatTitle                  string          `json:"new_chat_title,omitempty"`
	NewChatPhoto                  json.RawMessage `json:"new_chat_photo,omitempty"`
	DeleteChatPhoto               bool            `json:"delete_chat_photo,omitempty"`
	GroupChatCreated              bool            `json:"group_chat_created,omitempty"`
	SupergroupChatCreated         bool            `json:"supergroup_chat_created,omitempty"`
	ChannelChatCreated            bool            `json:"channel_chat_created,omitempty"`
	MigrateToChatID               int64           `json:"migrate_to_chat_id,omitempty"`
	MigrateFromChatID             int64           `json:"migrate_from_chat_id,omitempty"`
	PinnedMessage                 json.RawMessage `json:"pinned_message,omitempty"`
	ForumTopicCreated             json.RawMessage `json:"forum_topic_created,omitempty"`
	ForumTopicEdited              json.RawMessage `json:"forum_topic_edited,omitempty"`
	ForumTopicClosed              json.RawMessage `json:"forum_topic_closed,omitempty"`
	ForumTopicReopened            json.RawMessage `json:"forum_topic_reopened,omitempty"`
	VideoChatStarted              json.RawMessage `json:"video_chat_started,omitempty"`
	VideoChatEnded                json.RawMessage `json:"video_chat_ended,omitempty"`
	MessageAutoDeleteTimerChanged json.RawMessage `json:"message_auto_delete_timer_changed,omitempty"`
}

type wireChat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

type wireUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
}

func (m *wireMessage) isService() bool {
	return len(m.NewChatMembers) > 0 ||
		len(m.LeftChatMember) > 0 ||
		m.NewChatTitle != "" ||
		len(m.NewChatPhoto) > 0 ||
		m.DeleteChatPhoto ||
		m.GroupChatCreated ||
		m.SupergroupChatCreated ||
		m.ChannelChatCreated ||
		m.MigrateToChatID != 0 ||
		m.MigrateFromChatID != 0 ||
		len(m.PinnedMessage) > 0 ||
		len(m.ForumTopicCreated) > 0 ||
		len(m.ForumTopicEdited) > 0 ||
		len(m.ForumTopicClosed) > 0 ||
		len(m.ForumTopicReopened) > 0 ||
		len(m.VideoChatStarted) > 0 ||
		len(m.VideoChatEnded) > 0 ||
		len(m.MessageAutoDeleteTimerChanged) > 0
}

// DecodeUpdate parses a raw Bot API update and normalizes it.
// ok is false for updates that are not moderated (member changes,
// callbacks, service messages); UpdateID is still set for those.
func DecodeUpdate(data []byte) (u domain.Update, ok bool, err error) {
	var w wireUpdate
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.Update{}, false, err
	}
	u, ok = normalize(w)
	return u, ok, nil
}

func normalize(w wireUpdate) (domain.Update, bool) {
	var (
		m      *wireMessage
		isEdit bool
	)
	switch {
	case w.Message != nil:
		m = w.Message
	case w.EditedMessage != nil:
		m, isEdit = w.EditedMessage, true
	case w.ChannelPost != nil:
		m = w.ChannelPost
	case w.EditedChannelPost != nil:
		m, isEdit = w.EditedChannelPost, true
	default:
		return domain.Update{UpdateID: w.UpdateID}, false
	}
	if m.isService() {
		return domain.Update{UpdateID: w.UpdateID}, false
	}

	u := domain.Update{
		UpdateID:      w.UpdateID,
		MessageID:     m.MessageID,
		IsEdit:        isEdit,
		IsAutoForward: m.IsAutomaticForward,
		Text:          m.Text,
	}
	if u.Text == "" {
		u.Text = m.Caption
	}
	if m.Date > 0 {
		u.Date = time.Unix(m.Date, 0)
	}
	// Outside forums the thread id points at a reply chain, not a topic.
	if m.IsTopicMessage {
		u.ThreadID = m.MessageThreadID
	}
	if m.Chat != nil {
		u.ChatID = m.Chat.ID
		u.ChatType = m.Chat.Type
	}
	u.Sender = senderOf(m, u.ChatType)
	return u, true
}

func senderOf(m *wireMessage, chatType string) domain.Sender {
	switch {
	case chatType == "channel":
		// Channel posts are authored by the channel itself.
		s := domain.Sender{Kind: domain.SenderConversation}
		if m.Chat != nil {
			s.ID, s.Name = m.Chat.ID, chatName(m.Chat)
		}
		return s
	case m.SenderChat != nil:
		return domain.Sender{Kind: domain.SenderChatIdentity, ID: m.SenderChat.ID, Name: chatName(m.SenderChat)}
	case m.From != nil:
		name := m.From.Username
		if name == "" {
			name = m.From.FirstName
		}
		return domain.Sender{Kind: domain.SenderUser, ID: m.From.ID, Name: name, IsBot: m.From.IsBot}
	}
	return domain.Sender{}
}

func chatName(c *wireChat) string {
	if c.Username != "" {
		return "@" + c.Username
	}
	return c.Title
}
