package natsdist

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	opAllReduce uint64 = iota + 1
	opBroadcast
	opBarrier
)

// envelope is one rank's contribution to one collective call.
//
//	message Envelope {
//	  uint64 op = 1;
//	  uint64 seq = 2;
//	  int64 rank = 3;
//	  repeated double values = 4 [packed = true];
//	}
type envelope struct {
	Op     uint64
	Seq    uint64
	Rank   int
	Values []float64
}

func encode(env *envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, env.Op)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, env.Seq)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.Rank))
	if len(env.Values) > 0 {
		packed := make([]byte, 0, 8*len(env.Values))
		for _, v := range env.Values {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func decode(b []byte) (*envelope, error) {
	env := &envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "bad envelope tag")
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			env.Op, n = protowire.ConsumeVarint(b)
		case num == 2 && typ == protowire.VarintType:
			env.Seq, n = protowire.ConsumeVarint(b)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			env.Rank = int(v)
		case num == 4 && typ == protowire.BytesType:
			var packed []byte
			packed, n = protowire.ConsumeBytes(b)
			for len(packed) > 0 && n >= 0 {
				bits, m := protowire.ConsumeFixed64(packed)
				if m < 0 {
					n = m
					break
				}
				env.Values = append(env.Values, math.Float64frombits(bits))
				packed = packed[m:]
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, errors.Wrapf(protowire.ParseError(n), "bad envelope field %d", num)
		}
		b = b[n:]
	}
	return env, nil
}
