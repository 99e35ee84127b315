package cedar

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/alexhholmes/cedar/internal/flock"
	"github.com/alexhholmes/cedar/internal/lock"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	// ErrInvalidState is returned for a closed handle, an uninitialized
	// cursor where a position is required, concurrent use of a
	// non-transactional cursor, or a finished transaction.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidArgument is returned for malformed entries and invalid
	// option combinations.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnsupportedOperation is returned for writes the handle or locker
	// does not permit, and for operations the database's duplicate
	// configuration does not support.
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrReadOnly             = errors.Wrap(ErrUnsupportedOperation, "read-only")
	ErrDiskLimitExceeded    = errors.New("disk limit exceeded")

	ErrSecondaryCorrupted = errors.New("secondary database is corrupt")
	ErrForeignConstraint  = errors.New("foreign key not present in foreign database")
	ErrDeleteConstraint   = errors.New("delete prevented by foreign key constraint")
	ErrUniqueConstraint   = errors.New("secondary key already used by another primary record")

	ErrLockTimeout = lock.ErrTimeout
	ErrDeadlock    = lock.ErrDeadlock

	ErrEnvironmentInvalid = errors.New("environment is invalid")
	ErrEnvironmentLocked  = flock.ErrLocked
	ErrCorruption         = errors.New("data corruption detected")

	ErrDatabaseNotFound = errors.New("database not found")
	ErrDatabaseExists   = errors.New("database already exists")
)

// DuplicateDataError is returned when a put at the cursor position of a
// sorted-duplicates database would change the record's sort position.
type DuplicateDataError struct {
	Database string
	Key      []byte
}

func (e *DuplicateDataError) Error() string {
	return fmt.Sprintf("database %q: replacement data for key %q does not compare equal to the existing duplicate; delete and insert instead", e.Database, e.Key)
}

// SecondaryIntegrityError reports a secondary record whose primary record is
// missing or does not reference it back.
type SecondaryIntegrityError struct {
	Secondary    string
	Primary      string
	SecondaryKey []byte
	PrimaryKey   []byte
	Reason       string
}

func (e *SecondaryIntegrityError) Error() string {
	return fmt.Sprintf("secondary %q of %q is corrupt: %s (secondary key %q, primary key %q)",
		e.Secondary, e.Primary, e.Reason, e.SecondaryKey, e.PrimaryKey)
}

// Is lets errors.Is match a SecondaryIntegrityError against
// ErrSecondaryCorrupted.
func (e *SecondaryIntegrityError) Is(target error) bool {
	return target == ErrSecondaryCorrupted
}
