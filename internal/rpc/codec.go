// Package rpc defines the daemon's gRPC contract: wire types, service
// descriptors and typed clients for huddle.v1.
//
// Messages are plain Go structs carried by a JSON codec registered under the
// "json" content subtype. Protobuf messages such as emptypb.Empty travel in
// their binary form through the same codec. proto/huddle/v1/huddle.proto is
// the contract for other clients; the descriptors here must match it.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// CodecName is the content subtype both ends must use.
const CodecName = "json"

type codec struct{}

func init() {
	encoding.RegisterCodec(codec{})
}

func (codec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return json.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	return json.Unmarshal(data, v)
}

func (codec) Name() string {
	return CodecName
}
