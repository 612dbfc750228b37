package realtime

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownOperation is returned for frames whose op is not a client operation.
var ErrUnknownOperation = fmt.Errorf("%w: unknown operation", ErrMalformedOperation)

const operationFrameSchema = `{
  "type": "object",
  "required": ["op", "d"],
  "properties": {
    "op": {"type": "string", "minLength": 1},
    "d": {"type": "object"}
  }
}`

const joinChannelSchema = `{
  "type": "object",
  "required": ["channelId", "userId", "username"],
  "properties": {
    "channelId": {"type": "string", "minLength": 1},
    "userId": {"type": "string", "minLength": 1},
    "username": {"type": "string"}
  }
}`

const channelMemberSchema = `{
  "type": "object",
  "required": ["channelId", "userId"],
  "properties": {
    "channelId": {"type": "string", "minLength": 1},
    "userId": {"type": "string"}
  }
}`

type operationSchemaRegistry struct {
	once    sync.Once
	initErr error
	frame   *jsonschema.Schema
	ops     map[OpCode]*jsonschema.Schema
}

var operationSchemas operationSchemaRegistry

func initOperationSchemas() error {
	operationSchemas.once.Do(func() {
		frame, err := jsonschema.CompileString("operation_frame", operationFrameSchema)
		if err != nil {
			operationSchemas.initErr = err
			return
		}
		operationSchemas.frame = frame

		ops := map[OpCode]string{
			OpJoinChannel:        joinChannelSchema,
			OpLeaveChannel:       channelMemberSchema,
			OpUnsubscribeChannel: channelMemberSchema,
		}
		operationSchemas.ops = make(map[OpCode]*jsonschema.Schema, len(ops))
		for op, schema := range ops {
			compiled, err := jsonschema.CompileString("operation_"+string(op), schema)
			if err != nil {
				operationSchemas.initErr = err
				return
			}
			operationSchemas.ops[op] = compiled
		}
	})
	return operationSchemas.initErr
}

// validateOperation checks a decoded frame against the frame schema and the
// schema of its op. payload must hold JSON-compatible values.
func validateOperation(payload any) error {
	if err := initOperationSchemas(); err != nil {
		return err
	}
	if err := operationSchemas.frame.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOperation, err)
	}

	frame, _ := payload.(map[string]any)
	op, _ := frame["op"].(string)
	schema, ok := operationSchemas.ops[OpCode(op)]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownOperation, op)
	}
	if err := schema.Validate(frame["d"]); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedOperation, op, err)
	}
	return nil
}
