package domain

import (
	"errors"
	"slices"
	"time"
)

type SessionID string

var (
	ErrNoSlides    = errors.New("slide count must be positive")
	ErrNoReactions = errors.New("at least one reaction symbol required")
	ErrEmptySymbol = errors.New("empty reaction symbol")
)

// SessionConfig is the read-only copy of a directory record handed to a coordinator.
type SessionConfig struct {
	ID                SessionID `json:"id"`
	SlideCount        int       `json:"slideCount"`
	AllowedReactions  []string  `json:"allowedReactions"`
	RequiresAuth      bool      `json:"requiresAuth"`
	ModerateQuestions bool      `json:"moderateQuestions"`
}

func (c SessionConfig) Validate() error {
	if c.SlideCount < 1 {
		return ErrNoSlides
	}
	if len(c.AllowedReactions) == 0 {
		return ErrNoReactions
	}
	for _, s := range c.AllowedReactions {
		if s == "" {
			return ErrEmptySymbol
		}
	}
	return nil
}

// Equal reports material equality. Reaction order does not matter.
func (c SessionConfig) Equal(o SessionConfig) bool {
	if c.ID != o.ID || c.SlideCount != o.SlideCount ||
		c.RequiresAuth != o.RequiresAuth || c.ModerateQuestions != o.ModerateQuestions {
		return false
	}
	a := slices.Clone(c.AllowedReactions)
	b := slices.Clone(o.AllowedReactions)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(slices.Compact(a), slices.Compact(b))
}

type Question struct {
	ID        string           `json:"id"`
	Slide     int              `json:"slide"`
	Text      string           `json:"text"`
	Token     ParticipantToken `json:"sessionToken"`
	Approved  bool             `json:"approved"`
	Answered  bool             `json:"answered"`
	Upvotes   uint64           `json:"upvotes"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Tally maps slide -> reaction symbol -> count.
type Tally map[int]map[string]uint64

// Checkpoint is what the persistence sink stores for warm restarts.
type Checkpoint struct {
	SessionID     SessionID  `json:"sessionId"`
	CurrentSlide  int        `json:"currentSlide"`
	CursorVersion uint64     `json:"cursorVersion"`
	Tally         Tally      `json:"tally"`
	Questions     []Question `json:"questions,omitempty"`
	SavedAt       time.Time  `json:"savedAt"`
}
