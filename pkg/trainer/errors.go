package trainer

import "fmt"

// ModelComputationError is returned when the model collaborator fails or
// produces gradients that cannot be used. It is never retried.
type ModelComputationError struct {
	RoleID     string
	BatchIndex int
	Err        error
}

func (e *ModelComputationError) Error() string {
	return fmt.Sprintf("model computation failed on role %s, batch %d: %v", e.RoleID, e.BatchIndex, e.Err)
}

func (e *ModelComputationError) Unwrap() error {
	return e.Err
}
