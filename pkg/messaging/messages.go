package messaging

import (
	"encoding/json"
	"fmt"

	"bullywork/pkg/models"
)

// MessageType discriminates the wire envelope.
type MessageType string

const (
	TypeElection    MessageType = "election"
	TypeCoordinate  MessageType = "coordinate"
	TypeRequestWork MessageType = "requestWork"
	TypeSubmitWork  MessageType = "submitWork"
)

// Message is the request envelope exchanged between processes.
type Message struct {
	Type          MessageType
	Coordinator   models.ProcessID
	StringPairKey string
	Distance      int
}

func Election() Message { return Message{Type: TypeElection} }

func Coordinate(id models.ProcessID) Message {
	return Message{Type: TypeCoordinate, Coordinator: id}
}

func RequestWork() Message { return Message{Type: TypeRequestWork} }

func SubmitWork(key string, distance int) Message {
	return Message{Type: TypeSubmitWork, StringPairKey: key, Distance: distance}
}

type electionWire struct {
	Type MessageType `json:"type"`
}

type coordinateWire struct {
	Type        MessageType      `json:"type"`
	Coordinator models.ProcessID `json:"coordinator"`
}

type submitWire struct {
	Type          MessageType `json:"type"`
	StringPairKey string      `json:"stringPairKey"`
	Distance      int         `json:"distance"`
}

// ToEncodable carries only the fields that belong to m's type.
func (m Message) ToEncodable() any {
	switch m.Type {
	case TypeCoordinate:
		return coordinateWire{Type: m.Type, Coordinator: m.Coordinator}
	case TypeSubmitWork:
		return submitWire{Type: m.Type, StringPairKey: m.StringPairKey, Distance: m.Distance}
	default:
		return electionWire{Type: m.Type}
	}
}

// DecodeMessage parses a request envelope.
func DecodeMessage(data []byte) (Message, error) {
	var w struct {
		Type          MessageType      `json:"type"`
		Coordinator   models.ProcessID `json:"coordinator"`
		StringPairKey string           `json:"stringPairKey"`
		Distance      *int             `json:"distance"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := Message{Type: w.Type, Coordinator: w.Coordinator, StringPairKey: w.StringPairKey}
	switch w.Type {
	case TypeElection, TypeRequestWork:
	case TypeCoordinate:
		if w.Coordinator == "" {
			return Message{}, fmt.Errorf("%w: coordinate without coordinator", ErrMalformed)
		}
	case TypeSubmitWork:
		if w.StringPairKey == "" || w.Distance == nil {
			return Message{}, fmt.Errorf("%w: submitWork needs stringPairKey and distance", ErrMalformed)
		}
		m.Distance = *w.Distance
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, w.Type)
	}
	return m, nil
}
