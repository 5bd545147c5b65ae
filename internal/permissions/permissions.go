package permissions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

// Level is how much of a document a user may see or change.
type Level int

const (
	Inherit  Level = -1
	None     Level = 0
	Limited  Level = 1
	Observer Level = 2
	Owner    Level = 3
)

type Role int

const (
	RolePlayer Role = iota + 1
	RoleTrusted
	RoleAssistant
	RoleGM
)

var roleNames = map[Role]string{
	RolePlayer:    "player",
	RoleTrusted:   "trusted",
	RoleAssistant: "assistant",
	RoleGM:        "gm",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(b)))
	for role, n := range roleNames {
		if n == name {
			*r = role
			return nil
		}
	}
	return fmt.Errorf("unknown role %q", name)
}

type User struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Role   Role   `json:"role" yaml:"role"`
	Active bool   `json:"active" yaml:"active"`
}

func (u User) IsGM() bool {
	return u.Role >= RoleGM
}

// Document is anything with per-user ownership: a token, a scene, a journal.
type Document struct {
	ID        string           `json:"id"`
	Default   Level            `json:"default"`
	Ownership map[string]Level `json:"ownership,omitempty"`
}

// Level resolves the ownership level user has over doc. GMs own everything;
// an explicit Inherit entry falls back to the document default.
func (d Document) Level(u User) Level {
	if u.IsGM() {
		return Owner
	}
	if lvl, ok := d.Ownership[u.ID]; ok && lvl != Inherit {
		return lvl
	}
	if d.Default == Inherit {
		return None
	}
	return d.Default
}

func (d Document) Allows(u User, want Level) bool {
	return d.Level(u) >= want
}

// Require returns ErrForbidden unless u holds at least want on d.
func (d Document) Require(u User, want Level) error {
	if !d.Allows(u, want) {
		return ErrForbidden
	}
	return nil
}

// Owners returns the users holding Owner level on doc, non-GMs first, each
// group ordered by ID.
func Owners(doc Document, users []User) []User {
	var out []User
	for _, u := range users {
		if doc.Level(u) == Owner {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsGM() != out[j].IsGM() {
			return !out[i].IsGM()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FirstOwner picks the connected user who should act on doc: the first active
// non-GM owner if any, otherwise the first active GM.
func FirstOwner(doc Document, users []User) (User, bool) {
	for _, u := range Owners(doc, users) {
		if u.Active {
			return u, true
		}
	}
	return User{}, false
}

// FirstGM returns the active GM with the lowest ID.
func FirstGM(users []User) (User, bool) {
	var best User
	found := false
	for _, u := range users {
		if !u.IsGM() || !u.Active {
			continue
		}
		if !found || u.ID < best.ID {
			best, found = u, true
		}
	}
	return best, found
}

// IsFirstGM reports whether u is the GM that handles requests on behalf of
// everyone else.
func IsFirstGM(u User, users []User) bool {
	gm, ok := FirstGM(users)
	return ok && gm.ID == u.ID
}
