package morphology

import (
	"errors"
	"fmt"
)

// ErrEmpty is returned when an SWC source contains no points.
var ErrEmpty = errors.New("swc contains no points")

// ParseError reports a malformed SWC source. Line is 1-based; zero means the
// error concerns the file as a whole (for example a parent cycle).
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line == 0 {
		return "parse swc: " + e.Msg
	}
	return fmt.Sprintf("parse swc: line %d: %s", e.Line, e.Msg)
}

// IsParseError reports whether err is or wraps a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
