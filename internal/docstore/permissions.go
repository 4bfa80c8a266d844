package docstore

import "fmt"

// Permissions answers ownership and privilege questions against a Reader.
type Permissions struct {
	R Reader
}

func (p Permissions) IsPrivileged(userID string) bool {
	u, ok := p.R.User(userID)
	return ok && u.IsPrivileged()
}

func (p Permissions) Owns(userID, actorID string) bool {
	a, ok := p.R.Actor(actorID)
	return ok && a.OwnedBy(userID)
}

// CanControl reports whether the user owns the actor or is privileged.
func (p Permissions) CanControl(userID, actorID string) bool {
	return p.IsPrivileged(userID) || p.Owns(userID, actorID)
}

// CanCommit checks an op submitted on behalf of userID.
func (p Permissions) CanCommit(userID string, op Op) error {
	if _, ok := p.R.User(userID); !ok {
		return fmt.Errorf("%w: unknown user %q", ErrPermissionDenied, userID)
	}
	switch op.Kind {
	case OpPatchActor, OpCreateItems, OpUpdateItems, OpDeleteItems:
		if !p.CanControl(userID, op.ActorID) {
			return fmt.Errorf("%w: user %s on actor %s", ErrPermissionDenied, userID, op.ActorID)
		}
		return nil
	case OpUpsertUser:
		// Presence is server-owned.
		return fmt.Errorf("%w: %s", ErrPermissionDenied, op.Kind)
	default:
		if !p.IsPrivileged(userID) {
			return fmt.Errorf("%w: %s requires a privileged user", ErrPermissionDenied, op.Kind)
		}
		return nil
	}
}

// CanCommitAsAuthority checks an op submitted by the elected authority. When
// no privileged user is connected the authority is a regular user; it still
// applies turn changes and recovery for every actor in the combat. Creating
// and deleting combats stays privileged.
func (p Permissions) CanCommitAsAuthority(userID string, op Op) error {
	if _, ok := p.R.User(userID); !ok {
		return fmt.Errorf("%w: unknown user %q", ErrPermissionDenied, userID)
	}
	switch op.Kind {
	case OpPatchCombat, OpCreateCombatants, OpDeleteCombatants,
		OpPatchActor, OpCreateItems, OpUpdateItems, OpDeleteItems:
		return nil
	default:
		return p.CanCommit(userID, op)
	}
}
