// Package yamlwrapper contains a YAML unmarshaler that supports JSON tags.
package yamlwrapper

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v2"
)

func convertKeys(i interface{}) (interface{}, error) {
	switch x := i.(type) {
	case map[interface{}]interface{}:
		m2 := make(map[string]interface{})
		for k, v := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("integer keys are not supported (%v)", k)
			}

			var err error
			m2[ks], err = convertKeys(v)
			if err != nil {
				return nil, err
			}
		}
		return m2, nil

	case []interface{}:
		a2 := make([]interface{}, len(x))
		for i, v := range x {
			var err error
			a2[i], err = convertKeys(v)
			if err != nil {
				return nil, err
			}
		}
		return a2, nil
	}

	return i, nil
}

// Load decodes the YAML document into dest, honoring JSON tags
// and rejecting unknown fields.
func Load(buf []byte, dest interface{}) error {
	var temp interface{}
	err := yaml.Unmarshal(buf, &temp)
	if err != nil {
		return err
	}

	// nil documents are valid: they leave dest untouched.
	if temp == nil {
		return nil
	}

	temp, err = convertKeys(temp)
	if err != nil {
		return err
	}

	enc, err := json.Marshal(temp)
	if err != nil {
		return err
	}

	d := json.NewDecoder(bytes.NewReader(enc))
	d.DisallowUnknownFields()
	return d.Decode(dest)
}
