package relay

import (
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
)

// Elect picks the authoritative user among the connected ones: the active
// privileged user with the lowest id, else the active user with the highest
// role (lowest id on ties). It returns "" when nobody is active.
func Elect(users []docstore.User) string {
	best := -1
	for i, u := range users {
		if !u.Active || !u.IsPrivileged() {
			continue
		}
		if best < 0 || u.ID < users[best].ID {
			best = i
		}
	}
	if best >= 0 {
		return users[best].ID
	}
	for i, u := range users {
		if !u.Active {
			continue
		}
		if best < 0 || u.Role > users[best].Role || (u.Role == users[best].Role && u.ID < users[best].ID) {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return users[best].ID
}
