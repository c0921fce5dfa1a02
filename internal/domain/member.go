package domain

import "errors"

var ErrUnknownRole = errors.New("unknown role")

type Role string

const (
	RolePresenter Role = "presenter"
	RoleAudience  Role = "audience"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePresenter, RoleAudience:
		return Role(s), nil
	}
	return "", ErrUnknownRole
}

// Member is the meta attached to one live connection.
// No transport or lifecycle logic here.
type Member struct {
	Token ParticipantToken `json:"token"`
	Role  Role             `json:"role"`
}
