package pipeline

import (
	"context"

	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/data"
)

var defaultMetaKeys = []string{
	"filename", "ori_shape", "img_shape", "pad_shape", "scale_factor", "flip", "img_norm_cfg",
}

type collect struct {
	keys     []string
	metaKeys []string
}

// newCollect keeps the listed keys and folds the meta keys into img_meta
func newCollect(params map[string]any, _ Registry) (Transform, error) {
	keys, err := stringList(params["keys"])
	if err != nil {
		return nil, errors.Wrap(err, "keys")
	}
	if len(keys) == 0 {
		return nil, errors.New("collect needs at least one key")
	}
	metaKeys := defaultMetaKeys
	if v, ok := params["meta_keys"]; ok {
		if metaKeys, err = stringList(v); err != nil {
			return nil, errors.Wrap(err, "meta_keys")
		}
	}
	return &collect{keys: keys, metaKeys: metaKeys}, nil
}

func (c *collect) Apply(_ context.Context, s data.Sample) (data.Sample, error) {
	meta := data.Meta{}
	if prev, ok := s[data.MetaKey].(data.Meta); ok {
		for k, v := range prev {
			meta[k] = v
		}
	}
	for _, k := range c.metaKeys {
		if v, ok := s[k]; ok {
			meta[k] = v
		}
	}

	out := data.Sample{data.MetaKey: meta}
	for _, k := range c.keys {
		v, ok := s[k]
		if !ok {
			return nil, errors.Errorf("sample has no key %q", k)
		}
		out[k] = v
	}
	return out, nil
}

func stringList(v any) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return x, nil
	case []any:
		out := make([]string, len(x))
		for i, el := range x {
			s, ok := el.(string)
			if !ok {
				return nil, errors.Errorf("element %d is %T, not a string", i, el)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, errors.Errorf("expected a list of strings, got %T", v)
}
