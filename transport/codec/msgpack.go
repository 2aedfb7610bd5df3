package codec

import (
	"errors"
	"time"

	"github.com/rbaliyan/outbox/transport/message"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Codec using MessagePack serialization.
// The envelope is smaller than JSON and the payload travels as raw bin
// instead of base64.
type MsgPack struct{}

type msgpackMessage struct {
	ID         string            `msgpack:"id"`
	Source     string            `msgpack:"source"`
	Payload    []byte            `msgpack:"payload"`
	Metadata   map[string]string `msgpack:"metadata,omitempty"`
	Timestamp  time.Time         `msgpack:"timestamp"`
	RetryCount int               `msgpack:"retry_count,omitempty"`
}

// Encode serializes a message to MessagePack bytes
func (c MsgPack) Encode(msg Message) ([]byte, error) {
	mm := msgpackMessage{
		ID:         msg.ID(),
		Source:     msg.Source(),
		Payload:    msg.Payload(),
		Metadata:   msg.Metadata(),
		Timestamp:  msg.Timestamp(),
		RetryCount: msg.RetryCount(),
	}

	data, err := msgpack.Marshal(&mm)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes MessagePack bytes to a message
func (c MsgPack) Decode(data []byte) (Message, error) {
	var mm msgpackMessage
	if err := msgpack.Unmarshal(data, &mm); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}

	return message.New(mm.ID, mm.Source, mm.Payload, mm.Metadata,
		message.WithTimestamp(mm.Timestamp),
		message.WithRetryCount(mm.RetryCount),
	), nil
}

// ContentType returns the MIME type for MessagePack
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (c MsgPack) Name() string {
	return "msgpack"
}

var _ Codec = MsgPack{}
