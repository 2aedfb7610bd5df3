package codec

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rbaliyan/outbox/transport/message"
)

// JSON implements Codec using JSON serialization.
// This is the default codec.
//
// Payload is carried as bytes (base64 in the JSON envelope).
type JSON struct{}

type jsonMessage struct {
	ID         string            `json:"id"`
	Source     string            `json:"source"`
	Payload    []byte            `json:"payload"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	RetryCount int               `json:"retry_count,omitempty"`
}

// Encode serializes a message to JSON bytes
func (c JSON) Encode(msg Message) ([]byte, error) {
	jm := jsonMessage{
		ID:         msg.ID(),
		Source:     msg.Source(),
		Payload:    msg.Payload(),
		Metadata:   msg.Metadata(),
		Timestamp:  msg.Timestamp(),
		RetryCount: msg.RetryCount(),
	}

	data, err := json.Marshal(jm)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes JSON bytes to a message
func (c JSON) Decode(data []byte) (Message, error) {
	var jm jsonMessage
	if err := json.Unmarshal(data, &jm); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}

	return message.New(jm.ID, jm.Source, jm.Payload, jm.Metadata,
		message.WithTimestamp(jm.Timestamp),
		message.WithRetryCount(jm.RetryCount),
	), nil
}

// ContentType returns the MIME type for JSON
func (c JSON) ContentType() string {
	return "application/json"
}

// Name returns the codec identifier
func (c JSON) Name() string {
	return "json"
}

var _ Codec = JSON{}
