package groupqueue

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"reflect"

	"github.com/DoNewsCode/core/contract"
)

var (
	_ contract.Codec = gobCodec{}
	_ contract.Codec = JSONCodec{}
)

type gobCodec struct{}

// Marshal serializes the message to bytes
func (p gobCodec) Marshal(message interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(message); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal reverses the bytes to message
func (p gobCodec) Unmarshal(data []byte, message interface{}) error {
	buf := bytes.NewBuffer(data)
	if rvalue, ok := message.(reflect.Value); ok {
		return gob.NewDecoder(buf).DecodeValue(rvalue)
	}
	return gob.NewDecoder(buf).Decode(message)
}

// JSONCodec encodes payloads as JSON. Use it when producers or consumers of the
// queue are not written in Go.
type JSONCodec struct{}

// Marshal serializes the message to JSON
func (p JSONCodec) Marshal(message interface{}) ([]byte, error) {
	return json.Marshal(message)
}

// Unmarshal decodes the JSON bytes to message
func (p JSONCodec) Unmarshal(data []byte, message interface{}) error {
	return json.Unmarshal(data, message)
}
