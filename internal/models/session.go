package models

import "time"

// SessionState is the state of the identity check that gates the chat surface.
type SessionState int

const (
	// SessionLoading means the identity check has not completed yet.
	SessionLoading SessionState = iota
	// SessionAuthenticated means a signed-in user is present.
	SessionAuthenticated
	// SessionUnauthenticated means nobody is signed in, the chat surface must not render.
	SessionUnauthenticated
)

func (s SessionState) String() string {
	switch s {
	case SessionLoading:
		return "loading"
	case SessionAuthenticated:
		return "authenticated"
	case SessionUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// User is the signed-in identity.
type User struct {
	Username string
}

// SessionContext is the explicit result of the identity check. User is only meaningful when State is
// SessionAuthenticated.
type SessionContext struct {
	State SessionState
	User  User
}

// AuthenticatedSession returns a SessionContext for the given user.
func AuthenticatedSession(u User) SessionContext {
	return SessionContext{State: SessionAuthenticated, User: u}
}

// UnauthenticatedSession returns a SessionContext with no user.
func UnauthenticatedSession() SessionContext {
	return SessionContext{State: SessionUnauthenticated}
}

// Authenticated reports whether the session carries a signed-in user.
func (s SessionContext) Authenticated() bool {
	return s.State == SessionAuthenticated
}

// Account is a user allowed to sign in.
type Account struct {
	Username     string `json:"username"`
	PasswordHash []byte `json:"passwordHash"`
}

// SignInSession is a sign-in issued to an account, addressed by an opaque token.
type SignInSession struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session is no longer valid at now.
func (s SignInSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
