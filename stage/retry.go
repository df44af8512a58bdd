package stage

import (
	"errors"

	"github.com/c360studio/unit09/address"
	"github.com/c360studio/unit09/entity"
	"github.com/c360studio/unit09/jobqueue"
	"github.com/c360studio/unit09/ledger"
	"github.com/c360studio/unit09/storage"
)

// permanent are conditions another attempt cannot fix: bad input, missing
// or duplicate entities, and registry rules the job itself violates.
var permanent = []error{
	jobqueue.ErrInvalidPayload,
	address.ErrInvalidKey,
	storage.ErrNotFound,
	storage.ErrAlreadyExists,
	entity.ErrValidation,
	ledger.ErrRepoInactive,
	ledger.ErrObservationNotAllowed,
	ledger.ErrModuleLimit,
	ledger.ErrParentInactive,
	ledger.ErrLineageCycle,
	ErrValidationFailed,
	ErrNoHandler,
}

// Retryable reports whether a failed job should be offered again while it
// has attempts left. Stage and transport failures are retryable unless
// they wrap one of the permanent conditions.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return false
		}
	}
	return true
}
