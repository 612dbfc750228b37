package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Websocket subprotocols a client may negotiate.
const (
	SubprotocolJSON    = "commune.json"
	SubprotocolMsgpack = "commune.msgpack"
)

// Subprotocols lists the supported subprotocols in server preference order.
var Subprotocols = []string{SubprotocolJSON, SubprotocolMsgpack}

// Codec translates between wire frames and operations/events.
type Codec interface {
	Subprotocol() string
	// Binary reports whether frames are sent as binary websocket messages.
	Binary() bool
	DecodeOperation(data []byte) (ClientOperation, error)
	EncodeEvent(event *ServerEvent) ([]byte, error)
}

// CodecFor returns the codec for a negotiated subprotocol. Unknown or empty
// subprotocols fall back to JSON.
func CodecFor(subprotocol string) Codec {
	if strings.EqualFold(subprotocol, SubprotocolMsgpack) {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

// JSONCodec encodes frames as JSON text.
type JSONCodec struct{}

func (JSONCodec) Subprotocol() string { return SubprotocolJSON }
func (JSONCodec) Binary() bool        { return false }

func (JSONCodec) DecodeOperation(data []byte) (ClientOperation, error) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return ClientOperation{}, fmt.Errorf("%w: invalid json: %v", ErrMalformedOperation, err)
	}
	if err := validateOperation(payload); err != nil {
		return ClientOperation{}, err
	}
	var op ClientOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return ClientOperation{}, fmt.Errorf("%w: %v", ErrMalformedOperation, err)
	}
	return op, nil
}

func (JSONCodec) EncodeEvent(event *ServerEvent) ([]byte, error) {
	return json.Marshal(event)
}

// MsgpackCodec encodes frames as MessagePack using the JSON field names.
type MsgpackCodec struct{}

func (MsgpackCodec) Subprotocol() string { return SubprotocolMsgpack }
func (MsgpackCodec) Binary() bool        { return true }

func (MsgpackCodec) DecodeOperation(data []byte) (ClientOperation, error) {
	payload, err := msgpack.NewDecoder(bytes.NewReader(data)).DecodeInterface()
	if err != nil {
		return ClientOperation{}, fmt.Errorf("%w: invalid msgpack: %v", ErrMalformedOperation, err)
	}
	if err := validateOperation(jsonCompatible(payload)); err != nil {
		return ClientOperation{}, err
	}

	var op ClientOperation
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&op); err != nil {
		return ClientOperation{}, fmt.Errorf("%w: %v", ErrMalformedOperation, err)
	}
	return op, nil
}

func (MsgpackCodec) EncodeEvent(event *ServerEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(event); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// jsonCompatible converts msgpack-decoded values into the types produced by
// encoding/json so they can be validated against a JSON schema.
func jsonCompatible(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonCompatible(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = jsonCompatible(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonCompatible(item)
		}
		return out
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case []byte:
		return string(val)
	default:
		return v
	}
}
