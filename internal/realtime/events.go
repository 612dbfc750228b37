package realtime

import "github.com/haasonsaas/commune/pkg/models"

// OpCode names a client operation or a server event on the wire.
type OpCode string

// Client operations.
const (
	OpJoinChannel        OpCode = "joinChannel"
	OpLeaveChannel       OpCode = "leaveChannel"
	OpUnsubscribeChannel OpCode = "unsubscribeChannel"
)

// Server events.
const (
	OpNewMessage OpCode = "newMessage"
	OpUserJoined OpCode = "userJoined"
	OpUserLeft   OpCode = "userLeft"
	OpError      OpCode = "error"
)

// ClientOperation is an inbound frame: {"op": ..., "d": {...}}.
type ClientOperation struct {
	Op   OpCode        `json:"op"`
	Data OperationData `json:"d"`
}

// OperationData carries the operands of a client operation.
type OperationData struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Username  string `json:"username,omitempty"`
}

// ServerEvent is an outbound frame: {"op": ..., "d": ...}.
type ServerEvent struct {
	Op   OpCode `json:"op"`
	Data any    `json:"d"`
}

// UserJoinedData is the payload of a userJoined event.
type UserJoinedData struct {
	ChannelID string          `json:"channelId"`
	User      models.Presence `json:"user"`
}

// UserLeftData is the payload of a userLeft event.
type UserLeftData struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Message string `json:"message"`
}

func NewMessageEvent(msg *models.Message) *ServerEvent {
	return &ServerEvent{Op: OpNewMessage, Data: msg}
}

func UserJoinedEvent(channelID string, presence models.Presence) *ServerEvent {
	return &ServerEvent{Op: OpUserJoined, Data: UserJoinedData{ChannelID: channelID, User: presence}}
}

func UserLeftEvent(channelID, userID string) *ServerEvent {
	return &ServerEvent{Op: OpUserLeft, Data: UserLeftData{ChannelID: channelID, UserID: userID}}
}

func ErrorEvent(message string) *ServerEvent {
	return &ServerEvent{Op: OpError, Data: ErrorData{Message: message}}
}
