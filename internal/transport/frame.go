package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// frame is the wire unit exchanged over the gRPC stream: the already
// gob-marshalled policy message bytes (see internal/message). Using a
// raw-bytes frame instead of generated protobuf structs keeps every
// message kind on one stream method without a .proto per kind — the
// kind-specific interpretation happens one layer up, in internal/pd,
// exactly the way section 6 describes the wire body as "a kind-specific
// body whose fields split into I/IO/O ownership" riding inside one
// envelope type.
type frame struct {
	Data []byte
}

const codecName = "ocr-raw"

// rawCodec passes frame.Data through unchanged, the way a
// content-addressed / pre-serialized transport skips a second encoding
// pass. Registered once at package init so both client and server
// streams agree on "ocr-raw" as their grpc content-subtype.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("transport: rawCodec.Marshal: unexpected type %T", v)
	}
	return f.Data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("transport: rawCodec.Unmarshal: unexpected type %T", v)
	}
	f.Data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}
