package engine

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/roach88/mibody/internal/ir"
)

// definitionToIR encodes a definition for a command payload.
func definitionToIR(def ir.MultiInstanceDefinition) (ir.IRValue, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode definition %s: %w", def.ElementID, err)
	}
	v, err := ir.UnmarshalIRValue(data)
	if err != nil {
		return nil, fmt.Errorf("encode definition %s: %w", def.ElementID, err)
	}
	return v, nil
}

// definitionFromIR decodes a definition from a command payload.
func definitionFromIR(v ir.IRValue) (ir.MultiInstanceDefinition, error) {
	var def ir.MultiInstanceDefinition
	if _, ok := v.(ir.IRObject); !ok {
		return def, fmt.Errorf("decode definition: expected object, got %s", ir.TypeName(v))
	}
	data, err := ir.MarshalIRValue(v)
	if err != nil {
		return def, fmt.Errorf("decode definition: %w", err)
	}
	if err := json.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("decode definition: %w", err)
	}
	return def, nil
}

func payloadInt(p ir.IRObject, key string) int64 {
	v, _ := p[key].(ir.IRInt)
	return int64(v)
}

func payloadString(p ir.IRObject, key string) string {
	v, _ := p[key].(ir.IRString)
	return string(v)
}

// boundInstanceKeys decodes the instance_keys payload field written when a
// command activated children: loop counter to instance key.
func boundInstanceKeys(p ir.IRObject) (map[int]string, error) {
	obj, ok := p["instance_keys"].(ir.IRObject)
	if !ok {
		return nil, nil
	}
	keys := make(map[int]string, len(obj))
	for k, v := range obj {
		lc, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("instance_keys: bad loop counter %q", k)
		}
		s, ok := v.(ir.IRString)
		if !ok {
			return nil, fmt.Errorf("instance_keys[%s]: expected string, got %s", k, ir.TypeName(v))
		}
		keys[lc] = string(s)
	}
	return keys, nil
}

func sortedStrings(s []string) []string {
	slices.Sort(s)
	return s
}
