package protocol

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Encode serializes a message for the wire
func Encode(msg *Message) ([]byte, error) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", msg.Type, err)
	}
	return data, nil
}

// Decode parses a wire frame into a message
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &msg, nil
}

// MarshalParams serializes command params for embedding in a frame
func MarshalParams(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}

// UnmarshalResult decodes a result payload into the caller's type
func UnmarshalResult(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
