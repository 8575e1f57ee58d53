// Package authz resolves (identity, resource, action, scope) checks against
// role assignments. Roles are data: a role is a set of (resource, action,
// level) tuples and a single dominance comparator decides whether an
// assignment reaches the requested scope.
package authz

import (
	"fmt"
	"strings"
)

// Level orders scopes from narrowest to broadest.
type Level int

const (
	LevelUser Level = iota + 1
	LevelTeam
	LevelRegion
	LevelOrganization
	LevelSystem
)

var levelNames = map[Level]string{
	LevelUser:         "user",
	LevelTeam:         "team",
	LevelRegion:       "region",
	LevelOrganization: "organization",
	LevelSystem:       "system",
}

func (l Level) String() string {
	if n, ok := levelNames[l]; ok {
		return n
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// ParseLevel is the inverse of String.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for l, n := range levelNames {
		if n == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown scope level %q", ErrInvalidInput, s)
}

// ScopeRef names one concrete scope instance an assignment is bound to. ID
// is ignored at LevelSystem.
type ScopeRef struct {
	Level Level  `json:"level" yaml:"level"`
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
}

// SystemScope is the single system-wide scope instance.
var SystemScope = ScopeRef{Level: LevelSystem}

func (r ScopeRef) String() string {
	if r.Level == LevelSystem {
		return "system"
	}
	return r.Level.String() + ":" + r.ID
}

// ParseScopeRef reads "system" or "<level>:<id>".
func ParseScopeRef(s string) (ScopeRef, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "system") {
		return SystemScope, nil
	}
	name, id, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(id) == "" {
		return ScopeRef{}, fmt.Errorf("%w: scope %q must be level:id", ErrInvalidInput, s)
	}
	l, err := ParseLevel(name)
	if err != nil {
		return ScopeRef{}, err
	}
	return ScopeRef{Level: l, ID: strings.TrimSpace(id)}, nil
}

// Validate checks that non-system scopes name an instance.
func (r ScopeRef) Validate() error {
	if !r.Level.Valid() {
		return fmt.Errorf("%w: invalid scope level", ErrInvalidInput)
	}
	if r.Level != LevelSystem && strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: %s scope requires an id", ErrInvalidInput, r.Level)
	}
	return nil
}

// Scope is the context a request targets, carrying its full ancestry so
// dominance is a pure comparison. Fields above Level may be empty only when
// Level is System.
type Scope struct {
	Level    Level
	OrgID    string
	RegionID string
	TeamID   string
	UserID   string
}

// IDAt returns the id of the enclosing instance at level l.
func (s Scope) IDAt(l Level) string {
	switch l {
	case LevelUser:
		return s.UserID
	case LevelTeam:
		return s.TeamID
	case LevelRegion:
		return s.RegionID
	case LevelOrganization:
		return s.OrgID
	}
	return ""
}

// Ref returns the instance the request itself names.
func (s Scope) Ref() ScopeRef {
	if s.Level == LevelSystem {
		return SystemScope
	}
	return ScopeRef{Level: s.Level, ID: s.IDAt(s.Level)}
}

func (s Scope) String() string {
	if s.Level == LevelSystem {
		return "system"
	}
	return strings.Join([]string{s.Level.String(), s.OrgID, s.RegionID, s.TeamID, s.UserID}, "/")
}

// Dominates reports whether an assignment held at scope held covers the
// requested scope: the same instance, or a broader one that encloses it.
func Dominates(held ScopeRef, req Scope) bool {
	if !held.Level.Valid() || !req.Level.Valid() || held.Level < req.Level {
		return false
	}
	if held.Level == LevelSystem {
		return true
	}
	id := req.IDAt(held.Level)
	return id != "" && id == held.ID
}
