// Package model defines data structures for the job board messaging core.
package model

// Role is the kind of account a profile belongs to.
type Role string

const (
	RoleCandidate Role = "candidate"
	RoleEmployer  Role = "employer"
	RoleAdmin     Role = "admin"
)

// Label returns the display label of the role.
func (r Role) Label() string {
	switch r {
	case RoleEmployer:
		return "Recruiter"
	case RoleAdmin:
		return "Administrator"
	default:
		return "Candidate"
	}
}

// Participant is the other user of a conversation.
type Participant struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Role     Role   `json:"type"`
}
