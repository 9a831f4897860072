package main

import (
	"encoding/json"
	"fmt"
)

// paramReader normalizes one RPC call's params, which CLN delivers
// either as a JSON object (named, "-k key=value" lightning-cli form)
// or a JSON array (positional), into one lookup API (original_source's
// own rpcmethod handlers accept both forms the same way).
type paramReader struct {
	byName  map[string]interface{}
	byIndex []interface{}
}

func newParamReader(raw json.RawMessage) (*paramReader, error) {
	pr := &paramReader{}
	if len(raw) == 0 {
		return pr, nil
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil {
		pr.byName = obj
		return pr, nil
	}

	var arr []interface{}
	if err := json.Unmarshal(raw, &arr); err == nil {
		pr.byIndex = arr
		return pr, nil
	}

	return nil, fmt.Errorf("unrecognized params shape: %s", string(raw))
}

// get returns the raw value for name (named form) or index (positional
// form), and whether it was present at all.
func (p *paramReader) get(name string, index int) (interface{}, bool) {
	if p.byName != nil {
		v, ok := p.byName[name]
		return v, ok
	}
	if index >= 0 && index < len(p.byIndex) {
		return p.byIndex[index], true
	}
	return nil, false
}

// str returns name/index as a string, treating a present-but-empty
// value as absent (an empty positional slot from a padded CLI call).
func (p *paramReader) str(name string, index int) (string, bool) {
	v, ok := p.get(name, index)
	if !ok {
		return "", false
	}
	s := fmt.Sprint(v)
	if s == "" {
		return "", false
	}
	return s, true
}
