package control

import "errors"

// ErrInvalidConfig is returned for non-finite gains or empty output bounds.
var ErrInvalidConfig = errors.New("control: invalid controller config")
