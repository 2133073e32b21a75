// Package connstring parses the openpull:// connection URI used to bootstrap
// a Manager: scheme, role, key, host and an optional public session token.
package connstring

import (
	"fmt"
	"net/url"
	"strings"
)

// Role identifies which side of the appender/reader pair a peer plays.
type Role string

const (
	RoleAppender Role = "appender"
	RoleReader   Role = "reader"
)

// ParseError reports a malformed connection string.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "parse connection string: " + e.Reason }

// ConnectionInfo is the typed result of parsing an openpull:// URI.
type ConnectionInfo struct {
	Host        string // authority, including optional port
	Role        Role
	Key         string // hex-encoded HMAC secret
	PublicToken string // optional session id, empty if absent
}

// Parse parses a string of the form
// openpull://<role>:<key>@<host>[:<port>]/<publicToken?>.
func Parse(raw string) (ConnectionInfo, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ConnectionInfo{}, &ParseError{Reason: fmt.Sprintf("invalid URI: %v", err)}
	}

	if u.Scheme != "openpull" {
		return ConnectionInfo{}, &ParseError{Reason: "Invalid protocol"}
	}

	if u.User == nil {
		return ConnectionInfo{}, &ParseError{Reason: "missing role/key"}
	}

	role := Role(u.User.Username())
	if role != RoleAppender && role != RoleReader {
		return ConnectionInfo{}, &ParseError{Reason: fmt.Sprintf("role must be %q or %q", RoleAppender, RoleReader)}
	}

	key, hasKey := u.User.Password()
	if !hasKey || key == "" {
		return ConnectionInfo{}, &ParseError{Reason: "key must not be empty"}
	}

	if u.Host == "" {
		return ConnectionInfo{}, &ParseError{Reason: "host must not be empty"}
	}

	publicToken := strings.TrimPrefix(u.Path, "/")

	return ConnectionInfo{
		Host:        u.Host,
		Role:        role,
		Key:         key,
		PublicToken: publicToken,
	}, nil
}

// Format reconstructs the canonical openpull:// string for info. It is the
// inverse of Parse for any value Parse can produce.
func Format(info ConnectionInfo) string {
	var b strings.Builder
	b.WriteString("openpull://")
	b.WriteString(string(info.Role))
	b.WriteString(":")
	b.WriteString(info.Key)
	b.WriteString("@")
	b.WriteString(info.Host)
	if info.PublicToken != "" {
		b.WriteString("/")
		b.WriteString(info.PublicToken)
	}
	return b.String()
}
