package executor

import (
	"fmt"
	"strings"
)

// Validator gates which actions a payload may ask a subprocess to run.
type Validator struct {
	allowed []string
}

// NewValidator builds an action allowlist. Entries ending in "." match
// as prefixes; "*" allows everything.
func NewValidator(allowed []string) *Validator {
	if len(allowed) == 0 {
		allowed = []string{"aurea."}
	}
	return &Validator{allowed: allowed}
}

func (v *Validator) Validate(action string) error {
	for _, a := range v.allowed {
		if a == "*" {
			return nil
		}
		if a == action {
			return nil
		}
		if strings.HasSuffix(a, ".") && strings.HasPrefix(action, a) {
			return nil
		}
	}
	return fmt.Errorf("action %q is not in the allowlist", action)
}
