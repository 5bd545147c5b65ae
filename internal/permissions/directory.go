package permissions

import (
	"errors"
	"sort"
	"sync"
)

var ErrUnknownUser = errors.New("unknown user")

// Directory tracks the known users and how many connections each holds open.
// A user is active while at least one connection is open.
type Directory struct {
	mu    sync.RWMutex
	users map[string]User
	conns map[string]int
}

// NewDirectory registers users. A user marked Active counts as one open
// connection.
func NewDirectory(users []User) *Directory {
	d := &Directory{
		users: make(map[string]User, len(users)),
		conns: make(map[string]int),
	}
	for _, u := range users {
		d.users[u.ID] = u
		if u.Active {
			d.conns[u.ID] = 1
		}
	}
	return d
}

func (d *Directory) Get(id string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return User{}, ErrUnknownUser
	}
	return d.view(u), nil
}

// Connect records a new connection for id.
func (d *Directory) Connect(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[id]; !ok {
		return ErrUnknownUser
	}
	d.conns[id]++
	return nil
}

// Disconnect releases one connection for id. The user stays active until
// every connection is gone.
func (d *Directory) Disconnect(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[id]; !ok {
		return ErrUnknownUser
	}
	if d.conns[id] <= 1 {
		delete(d.conns, id)
		return nil
	}
	d.conns[id]--
	return nil
}

// List returns a snapshot of all users ordered by ID.
func (d *Directory) List() []User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]User, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, d.view(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) view(u User) User {
	u.Active = d.conns[u.ID] > 0
	return u
}
