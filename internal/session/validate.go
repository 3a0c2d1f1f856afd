package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidID is returned for ids that cannot be used as a directory name.
var ErrInvalidID = errors.New("invalid session id")

var idRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateID checks that id conforms to session naming rules.
func ValidateID(id string) error {
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("%w %q: must match ^[A-Za-z0-9_-]{1,64}$", ErrInvalidID, id)
	}
	return nil
}
