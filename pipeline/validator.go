package pipeline

import (
	"strings"

	"github.com/larrabee/s3ingest/storage"
)

// Policy decides whether an object is a processing candidate.
// Accept must not modify obj.
type Policy interface {
	Name() string
	Accept(obj *storage.Object) bool
}

// Validator is an ordered, immutable chain of policies evaluated left to right.
type Validator struct {
	policies []Policy
}

// NewValidator returns a Validator for the given policies, nil policies are skipped.
func NewValidator(policies ...Policy) *Validator {
	v := &Validator{policies: make([]Policy, 0, len(policies))}
	for _, p := range policies {
		if p != nil {
			v.policies = append(v.policies, p)
		}
	}
	return v
}

// Validate returns true if every policy accepts obj.
// Otherwise it returns false and the first policy that rejected it.
func (v *Validator) Validate(obj *storage.Object) (bool, Policy) {
	for _, p := range v.policies {
		if !p.Accept(obj) {
			return false, p
		}
	}
	return true, nil
}

// Len returns number of policies.
func (v *Validator) Len() int {
	return len(v.policies)
}

// String returns policy names in evaluation order.
func (v *Validator) String() string {
	names := make([]string, len(v.policies))
	for i, p := range v.policies {
		names[i] = p.Name()
	}
	return strings.Join(names, " -> ")
}
