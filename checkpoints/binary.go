package checkpoints

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// The binary format is a single protobuf message:
//
//	message Checkpoint {
//	  repeated Tensor weights = 1;
//	  OptimizerState optimizer_state = 2;
//	  Metadata metadata = 3;
//	}
//	message Tensor {
//	  string name = 1;
//	  repeated int64 shape = 2 [packed = true];
//	  repeated double data = 3 [packed = true];
//	  string type = 4;
//	}
//	message OptimizerState {
//	  string type = 1;
//	  map<string, double> parameters = 2;
//	  repeated Tensor state_data = 3;   // type carries state_type
//	}
//	message Metadata {
//	  string version = 1;
//	  string framework = 2;
//	  int64 created_at_unix_nano = 3;
//	  int64 epoch = 4;
//	  int64 iter = 5;
//	  string config = 6;
//	  string run_id = 7;
//	  map<string, string> extra = 8;
//	}

func marshalCheckpoint(c *Checkpoint) []byte {
	var b []byte
	for _, w := range c.Weights {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(w.Name, w.Shape, w.Data, w.Type))
	}
	if c.OptimizerState != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalOptimizerState(c.OptimizerState))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalMetadata(&c.Metadata))
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func marshalTensor(name string, shape []int, data []float64, typ string) []byte {
	var b []byte
	b = appendString(b, 1, name)
	if len(shape) > 0 {
		var packed []byte
		for _, d := range shape {
			packed = protowire.AppendVarint(packed, uint64(d))
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(data) > 0 {
		packed := make([]byte, 0, 8*len(data))
		for _, v := range data {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return appendString(b, 4, typ)
}

func marshalOptimizerState(s *OptimizerState) []byte {
	var b []byte
	b = appendString(b, 1, s.Type)
	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = protowire.AppendTag(entry, 2, protowire.Fixed64Type)
		entry = protowire.AppendFixed64(entry, math.Float64bits(s.Parameters[k]))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	for _, t := range s.StateData {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(t.Name, t.Shape, t.Data, t.StateType))
	}
	return b
}

func marshalMetadata(m *CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendInt(b, 3, m.CreatedAt.UnixNano())
	}
	b = appendInt(b, 4, int64(m.Epoch))
	b = appendInt(b, 5, int64(m.Iter))
	b = appendString(b, 6, m.Config)
	b = appendString(b, 7, m.RunID)
	keys := make([]string, 0, len(m.Extra))
	for k := range m.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, m.Extra[k])
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

const skipField = -1 << 30

// fields walks the top-level fields of a message. visit returns the number
// of bytes it consumed, or skipField to skip the field.
func fields(b []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "bad tag")
		}
		b = b[n:]
		n = visit(num, typ, b)
		if n == skipField {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "bad field %d", num)
		}
		b = b[n:]
	}
	return nil
}

// message consumes a length-delimited field and decodes it with fn
func message(b []byte, fn func([]byte) error, errp *error) int {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	if err := fn(v); err != nil && *errp == nil {
		*errp = err
	}
	return n
}

func unmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	var inner error
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return skipField
		}
		switch num {
		case 1:
			return message(b, func(v []byte) error {
				name, shape, data, kind, err := unmarshalTensor(v)
				c.Weights = append(c.Weights, WeightTensor{Name: name, Shape: shape, Data: data, Type: kind})
				return err
			}, &inner)
		case 2:
			return message(b, func(v []byte) error {
				var err error
				c.OptimizerState, err = unmarshalOptimizerState(v)
				return err
			}, &inner)
		case 3:
			return message(b, func(v []byte) error {
				return unmarshalMetadata(v, &c.Metadata)
			}, &inner)
		}
		return skipField
	})
	if err != nil {
		return nil, err
	}
	if inner != nil {
		return nil, inner
	}
	return c, nil
}

func unmarshalTensor(b []byte) (name string, shape []int, data []float64, kind string, err error) {
	err = fields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return skipField
		}
		switch num {
		case 1:
			var n int
			name, n = protowire.ConsumeString(b)
			return n
		case 2:
			packed, n := protowire.ConsumeBytes(b)
			for len(packed) > 0 && n >= 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m
				}
				shape = append(shape, int(v))
				packed = packed[m:]
			}
			return n
		case 3:
			packed, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				data = make([]float64, 0, len(packed)/8)
			}
			for len(packed) > 0 && n >= 0 {
				v, m := protowire.ConsumeFixed64(packed)
				if m < 0 {
					return m
				}
				data = append(data, math.Float64frombits(v))
				packed = packed[m:]
			}
			return n
		case 4:
			var n int
			kind, n = protowire.ConsumeString(b)
			return n
		}
		return skipField
	})
	return name, shape, data, kind, err
}

func unmarshalOptimizerState(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: map[string]float64{}}
	var inner error
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return skipField
		}
		switch num {
		case 1:
			var n int
			s.Type, n = protowire.ConsumeString(b)
			return n
		case 2:
			return message(b, func(v []byte) error {
				var key string
				var value float64
				err := fields(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
					switch {
					case num == 1 && typ == protowire.BytesType:
						var n int
						key, n = protowire.ConsumeString(b)
						return n
					case num == 2 && typ == protowire.Fixed64Type:
						bits, n := protowire.ConsumeFixed64(b)
						value = math.Float64frombits(bits)
						return n
					}
					return skipField
				})
				s.Parameters[key] = value
				return err
			}, &inner)
		case 3:
			return message(b, func(v []byte) error {
				name, shape, data, kind, err := unmarshalTensor(v)
				s.StateData = append(s.StateData, OptimizerTensor{Name: name, Shape: shape, Data: data, StateType: kind})
				return err
			}, &inner)
		}
		return skipField
	})
	if err != nil {
		return nil, err
	}
	return s, inner
}

func unmarshalMetadata(b []byte, m *CheckpointMetadata) error {
	var inner error
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case 3:
				m.CreatedAt = time.Unix(0, int64(v))
			case 4:
				m.Epoch = int(int64(v))
			case 5:
				m.Iter = int(int64(v))
			}
			return n
		}
		if typ != protowire.BytesType {
			return skipField
		}
		var n int
		switch num {
		case 1:
			m.Version, n = protowire.ConsumeString(b)
		case 2:
			m.Framework, n = protowire.ConsumeString(b)
		case 6:
			m.Config, n = protowire.ConsumeString(b)
		case 7:
			m.RunID, n = protowire.ConsumeString(b)
		case 8:
			n = message(b, func(v []byte) error {
				var key, value string
				err := fields(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
					if typ != protowire.BytesType {
						return skipField
					}
					var n int
					switch num {
					case 1:
						key, n = protowire.ConsumeString(b)
					case 2:
						value, n = protowire.ConsumeString(b)
					default:
						return skipField
					}
					return n
				})
				if m.Extra == nil {
					m.Extra = map[string]string{}
				}
				m.Extra[key] = value
				return err
			}, &inner)
		default:
			return skipField
		}
		return n
	})
	if err != nil {
		return err
	}
	return inner
}
