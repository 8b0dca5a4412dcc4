package server

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec carries the Settlement service's plain Go messages over gRPC.
// Clients select it with grpc.CallContentSubtype(CodecName).
type jsonCodec struct{}

// CodecName is the gRPC content subtype of the Settlement service.
const CodecName = "json"

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
