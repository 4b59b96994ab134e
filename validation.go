package ustack

import "errors"

// Validator accumulates validation errors across a chain of per-layer
// ValidateSize/ValidateExceptCRC calls (Ethernet -> ARP/IPv4 -> ICMP/UDP/TCP),
// so a caller can validate an entire frame in one pass. By default only the
// first problem is kept; [Validator.AllowMultiErrs] makes it collect every one.
type Validator struct {
	allowMultiErrs bool
	accum          []error
}

// NewValidator returns an empty Validator ready for a validation pass.
func NewValidator() *Validator {
	return &Validator{}
}

// AllowMultiErrs configures whether AddError keeps accumulating after the
// first error (true) or only ever records the first one (false, default).
func (v *Validator) AllowMultiErrs(allow bool) { v.allowMultiErrs = allow }

// Reset clears all accumulated errors, readying the Validator for reuse.
func (v *Validator) Reset() { v.accum = v.accum[:0] }

// AddError records a validation failure.
func (v *Validator) AddError(err error) {
	if len(v.accum) != 0 && !v.allowMultiErrs {
		return
	}
	v.accum = append(v.accum, err)
}

// Err returns nil if no errors were recorded, the sole error if exactly one
// was recorded, or a joined error otherwise.
func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	default:
		return errors.Join(v.accum...)
	}
}

// ErrPop returns Err and resets the Validator in one call.
func (v *Validator) ErrPop() error {
	err := v.Err()
	v.Reset()
	return err
}
