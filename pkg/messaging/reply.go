package messaging

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Acknowledgement strings.
const (
	AckElection    = "election"
	AckCoordinated = "coordinated"
	AckSubmitted   = "submitted"
)

// Reply is either a bare acknowledgement string or an object.
type Reply struct {
	Ack            string
	StringPairKey  string
	Terminate      bool
	NotCoordinator bool
	Error          string
}

func Ack(s string) Reply { return Reply{Ack: s} }

func Assign(key string) Reply { return Reply{StringPairKey: key} }

func Terminate() Reply { return Reply{Terminate: true} }

func NotCoordinator() Reply { return Reply{NotCoordinator: true} }

func Failure(err error) Reply { return Reply{Error: err.Error()} }

type replyWire struct {
	StringPairKey  string `json:"stringPairKey,omitempty"`
	Terminate      bool   `json:"terminate,omitempty"`
	NotCoordinator bool   `json:"notCoordinator,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (r Reply) ToEncodable() any {
	if r.Ack != "" {
		return r.Ack
	}
	return replyWire{
		StringPairKey:  r.StringPairKey,
		Terminate:      r.Terminate,
		NotCoordinator: r.NotCoordinator,
		Error:          r.Error,
	}
}

// IsAck reports whether r is the acknowledgement s.
func (r Reply) IsAck(s string) bool { return r.Ack == s }

// DecodeReply parses a reply. Anything that is neither a string nor an object
// with one known field is ErrMalformed.
func DecodeReply(data []byte) (Reply, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Reply{}, fmt.Errorf("%w: empty reply", ErrMalformed)
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil || s == "" {
			return Reply{}, fmt.Errorf("%w: bad acknowledgement %s", ErrMalformed, data)
		}
		return Ack(s), nil
	}

	var w replyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	r := Reply{
		StringPairKey:  w.StringPairKey,
		Terminate:      w.Terminate,
		NotCoordinator: w.NotCoordinator,
		Error:          w.Error,
	}
	if r == (Reply{}) {
		return Reply{}, fmt.Errorf("%w: empty reply object %s", ErrMalformed, data)
	}
	return r, nil
}
