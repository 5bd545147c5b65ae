package socket

import (
	"context"

	"github.com/ManadaHerath/token-placement-server/internal/permissions"
)

// Router addresses messages to the single user who should act on them, for
// requests that a player is not allowed to carry out themselves.
type Router struct {
	bus   Bus
	users *permissions.Directory
}

func NewRouter(bus Bus, users *permissions.Directory) *Router {
	return &Router{bus: bus, users: users}
}

// ToGM delivers m to the first active GM only.
func (r *Router) ToGM(ctx context.Context, m Message) (permissions.User, error) {
	gm, ok := permissions.FirstGM(r.users.List())
	if !ok {
		return permissions.User{}, ErrNoRecipient
	}
	m.Recipients = []string{gm.ID}
	return gm, r.bus.Publish(ctx, m)
}

// ToOwner delivers m to the user who should act on doc: an active player
// owning it, otherwise the first active GM.
func (r *Router) ToOwner(ctx context.Context, m Message, doc permissions.Document) (permissions.User, error) {
	owner, ok := permissions.FirstOwner(doc, r.users.List())
	if !ok {
		return permissions.User{}, ErrNoRecipient
	}
	m.Recipients = []string{owner.ID}
	return owner, r.bus.Publish(ctx, m)
}

// Broadcast delivers m to everyone on its scene.
func (r *Router) Broadcast(ctx context.Context, m Message) error {
	m.Recipients = nil
	return r.bus.Publish(ctx, m)
}
