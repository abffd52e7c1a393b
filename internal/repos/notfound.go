package repos

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	pkgerrors "github.com/nixbuild/typhon/internal/pkg/errors"
)

// notFound wraps a GORM lookup error into the handle-not-found family
// spec §7 names (`NotFound(kind, handle)`), leaving every other error
// (DatabaseError, per §7) untouched.
func notFound(err error, kind string, handle int64) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", kind, handle, pkgerrors.ErrNotFound)
	}
	return err
}
