package log_v1

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype the Log service is served with.
// Clients select it with grpc.CallContentSubtype(CodecName).
const CodecName = "logv1"

// Message is implemented by every request, response and record type in this
// package.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("log_v1: cannot marshal %T", v)
	}
	return m.Marshal()
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("log_v1: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}

func (codec) Name() string {
	return CodecName
}

// Codec returns the codec for the messages of this package. Servers force it
// so that clients sending the default proto content-subtype are served too.
func Codec() encoding.Codec {
	return codec{}
}

func init() {
	encoding.RegisterCodec(codec{})
}
