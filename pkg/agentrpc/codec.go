package agentrpc

import "encoding/json"

// jsonCodec implements google.golang.org/grpc/encoding.Codec over
// plain Go structs, so AgentServiceClient's request/response types
// don't need a protoc-generated message set for a five-method surface.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}
