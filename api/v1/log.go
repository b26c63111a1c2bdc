package log_v1

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// The messages below are encoded with the protobuf wire format described in
// log.proto. Zero values are omitted on the wire, as proto3 does.

// Record is the unit of data stored in the log. Offset is assigned by the log
// when the record is appended and is global across every segment.
type Record struct {
	Value  []byte `json:"value"`
	Offset uint64 `json:"offset"`
}

func (r *Record) GetValue() []byte {
	if r == nil {
		return nil
	}
	return r.Value
}

func (r *Record) GetOffset() uint64 {
	if r == nil {
		return 0
	}
	return r.Offset
}

// Marshal encodes the record into its protobuf wire representation.
func (r *Record) Marshal() ([]byte, error) {
	var b []byte
	if len(r.Value) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	if r.Offset != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, r.Offset)
	}
	return b, nil
}

// Unmarshal decodes b into r, replacing its contents. Unknown fields are skipped.
func (r *Record) Unmarshal(b []byte) error {
	*r = Record{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.Value = append([]byte(nil), v...)
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.Offset = v
			return n, nil
		}
		return skipField(num, typ, b)
	})
}

type ProduceRequest struct {
	Record *Record `json:"record"`
}

func (p *ProduceRequest) Marshal() ([]byte, error) {
	return appendMessage(nil, 1, p.Record)
}

func (p *ProduceRequest) Unmarshal(b []byte) error {
	*p = ProduceRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			p.Record = &Record{}
			return consumeMessage(b, p.Record)
		}
		return skipField(num, typ, b)
	})
}

type ProduceResponse struct {
	Offset uint64 `json:"offset"`
}

func (p *ProduceResponse) Marshal() ([]byte, error) {
	return appendUint64(nil, 1, p.Offset), nil
}

func (p *ProduceResponse) Unmarshal(b []byte) error {
	*p = ProduceResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			return consumeUint64(b, &p.Offset)
		}
		return skipField(num, typ, b)
	})
}

type ConsumeRequest struct {
	Offset uint64 `json:"offset"`
}

func (c *ConsumeRequest) Marshal() ([]byte, error) {
	return appendUint64(nil, 1, c.Offset), nil
}

func (c *ConsumeRequest) Unmarshal(b []byte) error {
	*c = ConsumeRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			return consumeUint64(b, &c.Offset)
		}
		return skipField(num, typ, b)
	})
}

type ConsumeResponse struct {
	Record *Record `json:"record"`
}

func (c *ConsumeResponse) Marshal() ([]byte, error) {
	return appendMessage(nil, 1, c.Record)
}

func (c *ConsumeResponse) Unmarshal(b []byte) error {
	*c = ConsumeResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			c.Record = &Record{}
			return consumeMessage(b, c.Record)
		}
		return skipField(num, typ, b)
	})
}

// consumeFields walks every field in b and hands the bytes following each tag
// to fn, which returns how many of them it consumed.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func appendUint64(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func consumeUint64(b []byte, v *uint64) (int, error) {
	x, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*v = x
	return n, nil
}

func appendMessage(b []byte, num protowire.Number, r *Record) ([]byte, error) {
	if r == nil {
		return b, nil
	}
	p, err := r.Marshal()
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, p), nil
}

func consumeMessage(b []byte, r *Record) (int, error) {
	p, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, r.Unmarshal(p)
}
