package ratelimit

import (
	"errors"
	"strings"
	"time"
)

// ErrUnknownPolicy is returned when a policy name is not in the table.
var ErrUnknownPolicy = errors.New("unknown rate limit policy")

// Policy names.
const (
	PolicyLogin         = "LOGIN"
	PolicyAPI           = "API"
	PolicyPasswordReset = "PASSWORD_RESET"
	PolicyRegistration  = "REGISTRATION"
	PolicyAdmin         = "ADMIN"
)

// Policy allows Max requests per identifier in any trailing Window.
type Policy struct {
	Name   string
	Max    int
	Window time.Duration
}

// DefaultPolicies returns a fresh copy of the built-in policy table.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		PolicyLogin:         {Name: PolicyLogin, Max: 5, Window: 15 * time.Minute},
		PolicyAPI:           {Name: PolicyAPI, Max: 100, Window: time.Minute},
		PolicyPasswordReset: {Name: PolicyPasswordReset, Max: 3, Window: time.Hour},
		PolicyRegistration:  {Name: PolicyRegistration, Max: 3, Window: time.Hour},
		PolicyAdmin:         {Name: PolicyAdmin, Max: 500, Window: time.Hour},
	}
}

// normalizeName upper-cases policy names; config loaders fold map keys to
// lower case.
func normalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

func (p Policy) key(identifier string) string {
	return p.Name + ":" + identifier
}
