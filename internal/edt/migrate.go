package edt

import (
	"bytes"
	"encoding/gob"
)

// PackDeps gob-encodes a migrating instance's resolved dependency
// slots for MD_MOVE's wire payload, the same framing internal/message
// uses for its own envelope.
func PackDeps(deps []Dependence) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(deps); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnpackDeps decodes a payload produced by PackDeps. An empty payload
// decodes to zero dependencies (a depc==0 template).
func UnpackDeps(payload []byte) ([]Dependence, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var deps []Dependence
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&deps); err != nil {
		return nil, err
	}
	return deps, nil
}
