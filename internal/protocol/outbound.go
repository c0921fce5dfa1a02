package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Pulse/internal/domain"
)

// Outbound is a coordinator -> client message.
type Outbound interface {
	outbound()
}

// Init is the full state a connection starts from. CurrentSlideReactions
// feeds the dashboard's current-slide view.
type Init struct {
	CurrentSlide          int               `json:"currentSlide"`
	Reactions             domain.Tally      `json:"reactions"`
	CurrentSlideReactions map[string]uint64 `json:"currentSlideReactions"`
	Participants          int               `json:"participants"`
}

type ReactionUpdate struct {
	Emoji string `json:"emoji"`
	Slide int    `json:"slide"`
	Count uint64 `json:"count"`
}

// QuestionPosted goes to presenter connections only; it carries the submitter token.
type QuestionPosted struct {
	ID           string `json:"id"`
	Text         string `json:"text"`
	Slide        int    `json:"slide"`
	SessionToken string `json:"sessionToken"`
	Approved     bool   `json:"approved"`
}

type QuestionUpdate struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
	Answered bool   `json:"answered"`
}

type SlideChanged struct {
	Slide int `json:"slide"`
}

type Participants struct {
	Count int `json:"count"`
}

type Pong struct{}

type Closed struct{}

type Error struct {
	Message string `json:"message"`
}

func (Init) outbound()           {}
func (ReactionUpdate) outbound() {}
func (QuestionPosted) outbound() {}
func (QuestionUpdate) outbound() {}
func (SlideChanged) outbound()   {}
func (Participants) outbound()   {}
func (Pong) outbound()           {}
func (Closed) outbound()         {}
func (Error) outbound()          {}

// TypeOf returns the wire tag of an outbound message.
func TypeOf(m Outbound) string {
	switch m.(type) {
	case Init:
		return "init"
	case ReactionUpdate:
		return "reaction"
	case QuestionPosted:
		return "question"
	case QuestionUpdate:
		return "questionUpdate"
	case SlideChanged:
		return "slideChange"
	case Participants:
		return "participants"
	case Pong:
		return "pong"
	case Closed:
		return "closed"
	case Error:
		return "error"
	}
	return ""
}

// Encode flattens the message next to its "type" tag.
func Encode(m Outbound) ([]byte, error) {
	typ := TypeOf(m)
	switch v := m.(type) {
	case Init:
		if v.Reactions == nil {
			v.Reactions = domain.Tally{}
		}
		if v.CurrentSlideReactions == nil {
			v.CurrentSlideReactions = map[string]uint64{}
		}
		return json.Marshal(struct {
			Type string `json:"type"`
			Init
		}{typ, v})
	case ReactionUpdate:
		return json.Marshal(struct {
			Type string `json:"type"`
			ReactionUpdate
		}{typ, v})
	case QuestionPosted:
		return json.Marshal(struct {
			Type string `json:"type"`
			QuestionPosted
		}{typ, v})
	case QuestionUpdate:
		return json.Marshal(struct {
			Type string `json:"type"`
			QuestionUpdate
		}{typ, v})
	case SlideChanged:
		return json.Marshal(struct {
			Type string `json:"type"`
			SlideChanged
		}{typ, v})
	case Participants:
		return json.Marshal(struct {
			Type string `json:"type"`
			Participants
		}{typ, v})
	case Pong, Closed:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{typ})
	case Error:
		return json.Marshal(struct {
			Type string `json:"type"`
			Error
		}{typ, v})
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
}
