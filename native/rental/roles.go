package rental

import (
	"errors"
	"fmt"
)

// Admin returns the immutable admin identity.
func (e *Engine) Admin() ([20]byte, error) {
	tx := e.ledger.Begin()
	defer tx.Discard()
	admin, ok, err := tx.Admin()
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, ErrNotInitialized
	}
	return admin, nil
}

// Managers returns the current manager set in insertion order.
func (e *Engine) Managers() ([][20]byte, error) {
	tx := e.ledger.Begin()
	defer tx.Discard()
	return tx.Managers()
}

// IsManager reports whether identity currently holds the manager role.
func (e *Engine) IsManager(identity [20]byte) (bool, error) {
	managers, err := e.Managers()
	if err != nil {
		return false, err
	}
	return containsIdentity(managers, identity), nil
}

// AddManager grants the manager role. Only the admin may grant; granting an
// existing manager is a no-op.
func (e *Engine) AddManager(caller, identity [20]byte) error {
	return e.updateManagers("addManager", caller, identity, true)
}

// RemoveManager revokes the manager role. Only the admin may revoke; revoking
// a non-manager is a no-op.
func (e *Engine) RemoveManager(caller, identity [20]byte) error {
	return e.updateManagers("removeManager", caller, identity, false)
}

func (e *Engine) updateManagers(op string, caller, identity [20]byte, grant bool) error {
	if !validParty(identity) {
		return e.reject(op, 0, ErrInvalidIdentity)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := false
	err := commit(e.ledger.Begin(), func(tx Txn) error {
		if err := requireAdmin(tx, caller); err != nil {
			return err
		}
		managers, err := tx.Managers()
		if err != nil {
			return err
		}
		present := containsIdentity(managers, identity)
		switch {
		case grant && !present:
			managers = append(managers, identity)
		case !grant && present:
			managers = removeIdentity(managers, identity)
		default:
			return nil
		}
		changed = true
		return tx.SetManagers(managers)
	})
	if err != nil {
		return e.reject(op, 0, err)
	}
	if !changed {
		return nil
	}
	e.logger.Info("rental manager set updated", "op", op, "manager", fmt.Sprintf("%x", identity))
	if grant {
		e.emit(NewManagerAddedEvent(identity, caller))
	} else {
		e.emit(NewManagerRemovedEvent(identity, caller))
	}
	return nil
}

func requireAdmin(tx Txn, caller [20]byte) error {
	admin, ok, err := tx.Admin()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotInitialized
	}
	if caller != admin {
		return ErrNotAuthorized
	}
	return nil
}

// authorizeResolver admits the admin and every current manager.
func authorizeResolver(tx Txn, caller [20]byte) error {
	if err := requireAdmin(tx, caller); !errors.Is(err, ErrNotAuthorized) {
		return err
	}
	managers, err := tx.Managers()
	if err != nil {
		return err
	}
	if containsIdentity(managers, caller) {
		return nil
	}
	return ErrNotAuthorized
}

func containsIdentity(set [][20]byte, identity [20]byte) bool {
	for _, member := range set {
		if member == identity {
			return true
		}
	}
	return false
}

func removeIdentity(set [][20]byte, identity [20]byte) [][20]byte {
	out := make([][20]byte, 0, len(set))
	for _, member := range set {
		if member != identity {
			out = append(out, member)
		}
	}
	return out
}
