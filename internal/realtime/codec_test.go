package realtime

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/haasonsaas/commune/pkg/models"
)

func TestJSONCodec_DecodeOperation(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    ClientOperation
		wantErr error
	}{
		{
			name: "join",
			raw:  `{"op":"joinChannel","d":{"channelId":"general","userId":"alice","username":"Alice"}}`,
			want: ClientOperation{Op: OpJoinChannel, Data: OperationData{ChannelID: "general", UserID: "alice", Username: "Alice"}},
		},
		{
			name: "leave",
			raw:  `{"op":"leaveChannel","d":{"channelId":"general","userId":"alice"}}`,
			want: ClientOperation{Op: OpLeaveChannel, Data: OperationData{ChannelID: "general", UserID: "alice"}},
		},
		{
			name:    "join without user",
			raw:     `{"op":"joinChannel","d":{"channelId":"general"}}`,
			wantErr: ErrMalformedOperation,
		},
		{
			name:    "join without username",
			raw:     `{"op":"joinChannel","d":{"channelId":"general","userId":"alice"}}`,
			wantErr: ErrMalformedOperation,
		},
		{
			name:    "empty channel id",
			raw:     `{"op":"unsubscribeChannel","d":{"channelId":"","userId":"alice"}}`,
			wantErr: ErrMalformedOperation,
		},
		{
			name:    "unknown op",
			raw:     `{"op":"dance","d":{}}`,
			wantErr: ErrUnknownOperation,
		},
		{
			name:    "missing payload",
			raw:     `{"op":"joinChannel"}`,
			wantErr: ErrMalformedOperation,
		},
		{
			name:    "payload not an object",
			raw:     `{"op":"joinChannel","d":"general"}`,
			wantErr: ErrMalformedOperation,
		},
		{
			name:    "not json",
			raw:     `joinChannel general`,
			wantErr: ErrMalformedOperation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JSONCodec{}.DecodeOperation([]byte(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeOperation() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeOperation() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("DecodeOperation() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestUnknownOperationMessage(t *testing.T) {
	_, err := JSONCodec{}.DecodeOperation([]byte(`{"op":"dance","d":{}}`))
	if got := ErrorMessage(err); got != "Unknown operation" {
		t.Fatalf("ErrorMessage() = %q, want %q", got, "Unknown operation")
	}
}

func TestJSONCodec_EncodeEvent(t *testing.T) {
	joinedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	data, err := JSONCodec{}.EncodeEvent(UserJoinedEvent("general", models.Presence{UserID: "alice", Username: "Alice", JoinedAt: joinedAt}))
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	want := `{"op":"userJoined","d":{"channelId":"general","user":{"userId":"alice","username":"Alice","joinedAt":"2024-05-01T12:00:00Z"}}}`
	if string(data) != want {
		t.Fatalf("EncodeEvent() = %s\nwant %s", data, want)
	}
}

func TestMsgpackCodec_DecodeOperation(t *testing.T) {
	raw, err := msgpack.Marshal(map[string]any{
		"op": "joinChannel",
		"d": map[string]any{
			"channelId": "general",
			"userId":    "alice",
			"username":  "Alice",
			"attempt":   3,
		},
	})
	if err != nil {
		t.Fatalf("msgpack.Marshal() error = %v", err)
	}

	got, err := MsgpackCodec{}.DecodeOperation(raw)
	if err != nil {
		t.Fatalf("DecodeOperation() error = %v", err)
	}
	want := ClientOperation{Op: OpJoinChannel, Data: OperationData{ChannelID: "general", UserID: "alice", Username: "Alice"}}
	if got != want {
		t.Fatalf("DecodeOperation() = %+v, want %+v", got, want)
	}

	bad, err := msgpack.Marshal(map[string]any{"op": "joinChannel", "d": map[string]any{"channelId": 7}})
	if err != nil {
		t.Fatalf("msgpack.Marshal() error = %v", err)
	}
	if _, err := (MsgpackCodec{}).DecodeOperation(bad); !errors.Is(err, ErrMalformedOperation) {
		t.Fatalf("DecodeOperation() error = %v, want ErrMalformedOperation", err)
	}
}

func TestMsgpackCodec_EncodeEventUsesJSONNames(t *testing.T) {
	data, err := MsgpackCodec{}.EncodeEvent(UserLeftEvent("general", "alice"))
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	var decoded map[string]any
	if err := msgpack.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("msgpack.Unmarshal() error = %v", err)
	}
	if decoded["op"] != "userLeft" {
		t.Fatalf("op = %v, want userLeft", decoded["op"])
	}
	payload, ok := decoded["d"].(map[string]any)
	if !ok {
		t.Fatalf("d = %T, want map", decoded["d"])
	}
	if payload["channelId"] != "general" || payload["userId"] != "alice" {
		t.Fatalf("d = %v", payload)
	}
}

func TestMessageEventOmitsDeletedFlag(t *testing.T) {
	msg := &models.Message{ID: "m1", ChannelID: "general", UserID: "alice", Content: "hi", ContentType: models.ContentText, IsDeleted: true}
	data, err := JSONCodec{}.EncodeEvent(NewMessageEvent(msg))
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	var decoded struct {
		Op string         `json:"op"`
		D  map[string]any `json:"d"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Op != "newMessage" {
		t.Errorf("op = %q", decoded.Op)
	}
	if _, ok := decoded.D["isDeleted"]; ok {
		t.Error("isDeleted should not be serialized")
	}
	if decoded.D["channelId"] != "general" {
		t.Errorf("channelId = %v", decoded.D["channelId"])
	}
}

func TestCodecFor(t *testing.T) {
	tests := []struct {
		subprotocol string
		want        string
	}{
		{"", SubprotocolJSON},
		{SubprotocolJSON, SubprotocolJSON},
		{SubprotocolMsgpack, SubprotocolMsgpack},
		{"COMMUNE.MSGPACK", SubprotocolMsgpack},
		{"graphql-ws", SubprotocolJSON},
	}
	for _, tt := range tests {
		if got := CodecFor(tt.subprotocol).Subprotocol(); got != tt.want {
			t.Errorf("CodecFor(%q) = %s, want %s", tt.subprotocol, got, tt.want)
		}
	}
}
