package reactionrole

import (
	"errors"
	"fmt"
)

var (
	// ErrUseAfterDelete indicates an operation on a deleted entity.
	ErrUseAfterDelete = errors.New("reactionrole: use after delete")
	// ErrPersistence indicates the row store rejected a write.
	ErrPersistence = errors.New("reactionrole: persistence failed")
	// ErrValidation indicates invalid caller input.
	ErrValidation = errors.New("reactionrole: validation failed")
	// ErrDuplicateRole indicates a role id already used by another live child of the rule.
	ErrDuplicateRole = errors.New("reactionrole: role already configured on rule")
	// ErrRuleNotFound indicates no live rule with the given id.
	ErrRuleNotFound = errors.New("reactionrole: rule not found")
	// ErrChildNotFound indicates no live change or requirement with the given id.
	ErrChildNotFound = errors.New("reactionrole: child not found")
)

func persistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
