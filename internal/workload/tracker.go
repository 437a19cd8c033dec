// Package workload tracks active step assignments per role and user, and
// picks the least-loaded qualified user when a role maps to multiple users.
package workload

import (
	"sync"
	"time"

	"github.com/casaops/sopflow/pkg/schema"
)

// Entry is a snapshot of one role's active assignment count.
type Entry struct {
	Role            string `json:"role"`
	ActiveStepCount int    `json:"active_step_count"`
}

// UserLoad is a snapshot of one user's active assignment count.
type UserLoad struct {
	User            string    `json:"user"`
	ActiveStepCount int       `json:"active_step_count"`
	LastAssignedAt  time.Time `json:"last_assigned_at"`
}

type userState struct {
	active       int
	lastAssigned time.Time
}

// Tracker maintains per-role and per-user active step counters.
// Increment/decrement and user selection are atomic with respect to each other.
type Tracker struct {
	mu    sync.Mutex
	roles map[string]int
	users map[string]map[string]*userState // role → user → state
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		roles: make(map[string]int),
		users: make(map[string]map[string]*userState),
	}
}

// Assign records a new active assignment for the role and returns the chosen
// user: the least-loaded among the role's users, ties broken by oldest
// last-assignment time, then declaration order. Roles without configured
// users get an empty user; the assignment is still counted against the role.
func (t *Tracker) Assign(role *schema.RoleDefinition) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.roles[role.ID]++

	if len(role.Users) == 0 {
		return ""
	}

	states, ok := t.users[role.ID]
	if !ok {
		states = make(map[string]*userState, len(role.Users))
		t.users[role.ID] = states
	}

	var chosen string
	var chosenState *userState
	for _, user := range role.Users {
		st, ok := states[user]
		if !ok {
			st = &userState{}
			states[user] = st
		}
		if chosenState == nil ||
			st.active < chosenState.active ||
			(st.active == chosenState.active && st.lastAssigned.Before(chosenState.lastAssigned)) {
			chosen = user
			chosenState = st
		}
	}

	chosenState.active++
	chosenState.lastAssigned = time.Now().UTC()
	return chosen
}

// Release records completion of an active assignment for the role/user pair.
// Counters never go negative; a double release is ignored.
func (t *Tracker) Release(roleID, user string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.roles[roleID] > 0 {
		t.roles[roleID]--
	}
	if user == "" {
		return
	}
	if st, ok := t.users[roleID][user]; ok && st.active > 0 {
		st.active--
	}
}

// ActiveCount returns the number of active assignments for a role.
func (t *Tracker) ActiveCount(roleID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roles[roleID]
}

// Snapshot returns the current per-role counts.
func (t *Tracker) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make([]Entry, 0, len(t.roles))
	for role, count := range t.roles {
		entries = append(entries, Entry{Role: role, ActiveStepCount: count})
	}
	return entries
}

// UserSnapshot returns the current per-user loads for a role.
func (t *Tracker) UserSnapshot(roleID string) []UserLoad {
	t.mu.Lock()
	defer t.mu.Unlock()

	states := t.users[roleID]
	loads := make([]UserLoad, 0, len(states))
	for user, st := range states {
		loads = append(loads, UserLoad{User: user, ActiveStepCount: st.active, LastAssignedAt: st.lastAssigned})
	}
	return loads
}
