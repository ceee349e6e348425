package scaler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ryandielhenn/replscale/pkg/membership"
	"github.com/ryandielhenn/replscale/pkg/provision"
	"github.com/ryandielhenn/replscale/pkg/replset"
)

var (
	ErrInvalidCount           = errors.New("node count must be positive")
	ErrInvalidParity          = errors.New("replica set must keep an odd number of members")
	ErrDisasterPrevented      = errors.New("scale down would remove every config server voter")
	ErrInsufficientCandidates = errors.New("not enough removable members")
	ErrRetriesExhausted       = errors.New("reconfiguration retries exhausted")

	ErrMemberNotFound          = membership.ErrMemberNotFound
	ErrProvisioningFailure     = provision.ErrProvisioningFailure
	ErrReconfigurationConflict = replset.ErrReconfigurationConflict
)

// IsValidation reports whether err was a request rejected before any side effect.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidCount) ||
		errors.Is(err, ErrInvalidParity) ||
		errors.Is(err, ErrDisasterPrevented) ||
		errors.Is(err, ErrInsufficientCandidates)
}

// ProvisioningError is returned when a scale-up batch fails part way. Nodes
// in Leaked were created and are not rolled back.
type ProvisioningError struct {
	Requested int
	Leaked    []provision.Node
	Err       error
}

func (e *ProvisioningError) Error() string {
	ids := make([]string, 0, len(e.Leaked))
	for _, n := range e.Leaked {
		ids = append(ids, n.ID)
	}
	return fmt.Sprintf("provisioned %d of %d nodes before failure (leaked: [%s]): %v",
		len(e.Leaked), e.Requested, strings.Join(ids, " "), e.Err)
}

func (e *ProvisioningError) Unwrap() []error {
	return []error{ErrProvisioningFailure, e.Err}
}

// ReconfigurationError is a replSetReconfig that was never accepted.
type ReconfigurationError struct {
	Role      replset.Role
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *ReconfigurationError) Error() string {
	return fmt.Sprintf("reconfigure %s set failed after %d attempt(s): %v", e.Role, e.Attempts, e.Err)
}

func (e *ReconfigurationError) Unwrap() []error {
	if e.Exhausted {
		return []error{ErrRetriesExhausted, e.Err}
	}
	return []error{e.Err}
}
