// Package protocol defines the messages exchanged with clients over the signal channel.
// Both directions are closed sets; decoding and encoding switch over every variant.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrBadPayload     = errors.New("bad payload")
)

// Inbound is a client -> coordinator message.
type Inbound interface {
	inbound()
}

type Join struct {
	Role         string `json:"role"`
	SessionToken string `json:"sessionToken,omitempty"`
}

type Reaction struct {
	Emoji string `json:"emoji"`
	Slide int    `json:"slide"`
}

type Question struct {
	Text  string `json:"text"`
	Slide int    `json:"slide"`
}

type SlideChange struct {
	Slide int `json:"slide"`
}

type Ping struct{}

type ApproveQuestion struct {
	ID string `json:"id"`
}

type AnswerQuestion struct {
	ID string `json:"id"`
}

func (Join) inbound()            {}
func (Reaction) inbound()        {}
func (Question) inbound()        {}
func (SlideChange) inbound()     {}
func (Ping) inbound()            {}
func (ApproveQuestion) inbound() {}
func (AnswerQuestion) inbound()  {}

const (
	TypeJoin            = "join"
	TypeReaction        = "reaction"
	TypeQuestion        = "question"
	TypeSlideChange     = "slideChange"
	TypePing            = "ping"
	TypeApproveQuestion = "approveQuestion"
	TypeAnswerQuestion  = "answerQuestion"
)

// Decode parses one inbound frame. Unknown types are an error, never ignored.
func Decode(data []byte) (Inbound, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	var msg Inbound
	var err error
	switch env.Type {
	case TypeJoin:
		var m Join
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeReaction:
		var m Reaction
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeQuestion:
		var m Question
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeSlideChange:
		var m SlideChange
		err = json.Unmarshal(data, &m)
		msg = m
	case TypePing:
		msg = Ping{}
	case TypeApproveQuestion:
		var m ApproveQuestion
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeAnswerQuestion:
		var m AnswerQuestion
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Type, err)
	}
	return msg, nil
}
