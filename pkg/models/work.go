package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrBadPair = errors.New("string pair payload must be a JSON array of two strings")

// StringPair is the payload stored under a source work key.
type StringPair struct {
	First  string
	Second string
}

// MarshalJSON encodes the pair as ["first","second"].
func (p StringPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{p.First, p.Second})
}

func (p *StringPair) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPair, err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("%w: got %d elements", ErrBadPair, len(raw))
	}
	p.First, p.Second = raw[0], raw[1]
	return nil
}

// ParseStringPair decodes a stored payload.
func ParseStringPair(payload []byte) (StringPair, error) {
	var p StringPair
	err := json.Unmarshal(payload, &p)
	return p, err
}

// WorkStatus summarizes the coordinator's ledger.
type WorkStatus struct {
	Ready     bool     `json:"ready"`
	Available []string `json:"available"`
	Leased    []string `json:"leased"`
}
