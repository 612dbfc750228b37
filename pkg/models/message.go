package models

import (
	"strings"
	"time"
)

// ContentType describes how a message body should be rendered.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentMarkdown ContentType = "markdown"
	ContentImage    ContentType = "image"
	ContentFile     ContentType = "file"
)

// ParseContentType normalizes a content type, defaulting to text.
func ParseContentType(value string) ContentType {
	switch ContentType(strings.ToLower(strings.TrimSpace(value))) {
	case ContentMarkdown:
		return ContentMarkdown
	case ContentImage:
		return ContentImage
	case ContentFile:
		return ContentFile
	default:
		return ContentText
	}
}

// Message is a chat message posted to a channel.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channelId"`
	UserID      string       `json:"userId"`
	Content     string       `json:"content"`
	ContentType ContentType  `json:"contentType"`
	ReplyToID   string       `json:"replyToId,omitempty"`
	Attachments []Attachment `json:"attachments"`
	Mentions    []string     `json:"mentions,omitempty"`
	IsEdited    bool         `json:"isEdited"`
	IsDeleted   bool         `json:"-"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`

	// User is the author snapshot taken when the message was loaded or relayed.
	User *UserProfile `json:"user,omitempty"`
}

// Attachment represents a file uploaded alongside a message.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Normalize fills defaults for fields callers commonly leave empty.
func (m *Message) Normalize() {
	if m == nil {
		return
	}
	m.ContentType = ParseContentType(string(m.ContentType))
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}
}
