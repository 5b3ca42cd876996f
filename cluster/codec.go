package cluster

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's pluggable codec mechanism
// (google.golang.org/grpc/encoding) and selected per-call via
// grpc.CallContentSubtype. grpc-go ships only the "proto" codec by default;
// registering an alternate codec for messages that aren't protoc-generated
// is a supported extension point, not a hack around the framework.
const codecName = "json"

// jsonCodec marshals cluster RPC messages with encoding/json instead of
// protobuf wire format. The cluster service exchanges plain Go structs
// (messageCookie, messageSessionStatus, ...) grounded in cookiejar.Cookie
// and session.Session rather than protoc-gen-go types, since no .proto
// definitions or generated bindings exist for this service.
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
