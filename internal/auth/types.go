package auth

import "time"

// SystemActor is the identity attributed to scheduler-initiated work.
const SystemActor = "system"

type Credential struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password"`
	CreatedAt    time.Time `json:"created"`
}

// Identity is the resolved caller of a privileged operation.
type Identity struct {
	Username string
	System   bool
}

func (i Identity) Actor() string {
	if i.System || i.Username == "" {
		return SystemActor
	}
	return i.Username
}

// System returns the identity used by background tasks.
func System() Identity {
	return Identity{Username: SystemActor, System: true}
}

// Session is the decoded content of a verified session token.
type Session struct {
	Subject   string    `json:"sub"`
	IssuedAt  time.Time `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

type IssuedSession struct {
	Token     string
	Username  string
	ExpiresAt time.Time
}
