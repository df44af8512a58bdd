package ledger

import (
	"errors"

	"github.com/c360studio/unit09/storage"
)

// Registry errors. Storage-level conditions are returned as the storage
// sentinels so callers can match either package.
var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = storage.ErrNotFound

	// ErrAlreadyExists is returned when creating an entity at a taken key.
	ErrAlreadyExists = storage.ErrAlreadyExists

	// ErrInactive is returned for writes while the registry is switched off.
	ErrInactive = errors.New("registry is inactive")

	// ErrRepoInactive is returned when registering into or observing an inactive repository.
	ErrRepoInactive = errors.New("repository is inactive")

	// ErrObservationNotAllowed is returned when a repository has observation disabled.
	ErrObservationNotAllowed = errors.New("repository does not allow observation")

	// ErrModuleLimit is returned when a repository already holds the maximum number of modules.
	ErrModuleLimit = errors.New("module limit reached for repository")

	// ErrParentInactive is returned when forking from an inactive fork.
	ErrParentInactive = errors.New("parent fork is inactive")

	// ErrLineageCycle is returned when parent references loop.
	ErrLineageCycle = errors.New("fork lineage contains a cycle")
)

// IsNotFound reports whether err means the entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err is a duplicate creation.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
