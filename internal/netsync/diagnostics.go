package netsync

import (
	"errors"
	"fmt"
	"strings"
)

// Stage names where a per-item failure was caught.
const (
	StageSerializeEntity = "serialize-entity"
	StageSerializeEvent  = "serialize-event"
	StageDecodeEntity    = "decode-entity"
	StageDecodeEvent     = "decode-event"
	StageInsertEntity    = "insert-entity"
)

// Diagnostic records one item that was skipped. ID is empty when the item's
// identity could not be recovered.
type Diagnostic struct {
	Stage string
	ID    string
	Err   error
}

func (d Diagnostic) Error() string {
	if d.ID == "" {
		return fmt.Sprintf("%s: %v", d.Stage, d.Err)
	}
	return fmt.Sprintf("%s %s: %v", d.Stage, d.ID, d.Err)
}

func (d Diagnostic) Unwrap() error { return d.Err }

type Diagnostics []Diagnostic

// Err joins every diagnostic, or returns nil when there are none.
func (ds Diagnostics) Err() error {
	if len(ds) == 0 {
		return nil
	}
	errs := make([]error, 0, len(ds))
	for _, d := range ds {
		errs = append(errs, d)
	}
	return errors.Join(errs...)
}

func (ds Diagnostics) String() string {
	parts := make([]string, 0, len(ds))
	for _, d := range ds {
		parts = append(parts, d.Error())
	}
	return strings.Join(parts, "; ")
}
