package stubapi

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"firefighter.org/internal/apiclient"
	"firefighter.org/internal/ids"
)

type user = apiclient.Profile

// Ticket is an incident report filed by a user.
type Ticket struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	ReporterID  string    `json:"reporterId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// directory is the stub's in-memory user and ticket store.
type directory struct {
	mu       sync.Mutex
	byUID    map[string]*user
	tickets  map[string]Ticket
	admins   map[string]struct{}
	disabled map[string]struct{}
}

func newDirectory(adminEmails []string) *directory {
	d := &directory{
		byUID:    make(map[string]*user),
		tickets:  make(map[string]Ticket),
		admins:   make(map[string]struct{}),
		disabled: make(map[string]struct{}),
	}
	for _, e := range adminEmails {
		if e = normalizeEmail(e); e != "" {
			d.admins[e] = struct{}{}
		}
	}
	return d
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// upsert creates or refreshes the user keyed by uid.
func (d *directory) upsert(uid, username, email, department string, now time.Time) user {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts := now.UTC().Format(time.RFC3339)
	u, ok := d.byUID[uid]
	if !ok {
		u = &user{UserID: uuid.NewString(), CreatedAt: ts}
		d.byUID[uid] = u
	}
	u.Username = username
	u.Email = email
	if department != "" {
		u.Department = department
	}
	_, admin := d.admins[normalizeEmail(email)]
	_, disabled := d.disabled[uid]
	u.IsAdmin = admin
	u.IsAuthorized = !disabled
	u.Role = "firefighter"
	if admin {
		u.Role = "admin"
	}
	u.UpdatedAt = ts
	return *u
}

func (d *directory) lookup(uid string) (user, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.byUID[uid]
	if !ok {
		return user{}, false
	}
	return *u, true
}

func (d *directory) byUserID(userID string) (user, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.byUID {
		if u.UserID == userID {
			return *u, true
		}
	}
	return user{}, false
}

func (d *directory) setDisabled(uid string, disabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if disabled {
		d.disabled[uid] = struct{}{}
	} else {
		delete(d.disabled, uid)
	}
	if u, ok := d.byUID[uid]; ok {
		u.IsAuthorized = !disabled
	}
}

func (d *directory) addTicket(reporter, title, description string, now time.Time) Ticket {
	t := Ticket{
		ID:          ids.New(),
		Title:       title,
		Description: description,
		Status:      "open",
		ReporterID:  reporter,
		CreatedAt:   now.UTC(),
	}
	d.mu.Lock()
	d.tickets[t.ID] = t
	d.mu.Unlock()
	return t
}

// ticketsFor lists tickets visible to the caller, oldest first. Admins see all.
func (d *directory) ticketsFor(userID string, admin bool) []Ticket {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Ticket, 0, len(d.tickets))
	for _, t := range d.tickets {
		if admin || t.ReporterID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *directory) ticket(id string) (Ticket, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tickets[id]
	return t, ok
}
