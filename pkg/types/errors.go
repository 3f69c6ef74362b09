package types

import "errors"

// ErrDataUnavailable indicates an external source could not be fetched and no
// usable cached value exists. Conditions that depend on the source must
// evaluate to not-met rather than guessing.
var ErrDataUnavailable = errors.New("data unavailable")
