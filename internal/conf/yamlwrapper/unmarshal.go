// Package yamlwrapper contains a YAML unmarshaler.
package yamlwrapper

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v2"

	"github.com/the5gs/arstreamer/internal/conf/jsonwrapper"
)

func stringKeys(i any) (any, error) {
	switch x := i.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string keys are not supported (%v)", k)
			}

			var err error
			out[ks], err = stringKeys(v)
			if err != nil {
				return nil, err
			}
		}
		return out, nil

	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			var err error
			out[i], err = stringKeys(v)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	return i, nil
}

// Unmarshal decodes YAML into dest.
// Duplicate keys are rejected by the YAML decoder, unknown fields by jsonwrapper.
func Unmarshal(buf []byte, dest any) error {
	var temp any
	err := yaml.UnmarshalStrict(buf, &temp)
	if err != nil {
		return err
	}

	// empty document
	if temp == nil {
		temp = map[string]any{}
	}

	temp, err = stringKeys(temp)
	if err != nil {
		return err
	}

	buf, err = json.Marshal(temp)
	if err != nil {
		return err
	}

	return jsonwrapper.Unmarshal(buf, dest)
}
