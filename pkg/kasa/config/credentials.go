package config

// Credentials is a username/password pair used at login time by the
// Aes and Klap transports.
type Credentials struct {
	Username string
	Password string
}

// IsEmpty reports whether both fields are unset.
func (c Credentials) IsEmpty() bool {
	return c.Username == "" && c.Password == ""
}

// DefaultCredentials is the well-known username/password pair some
// TP-Link firmware accepts when the user has not bound a cloud
// account. Transports fall back to it when explicit credentials fail
// the KLAP handshake, per spec.md §4.2.3.
var DefaultCredentials = Credentials{
	Username: "kasa@tp-link.net",
	Password: "kasaSetup",
}
