package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidator(t *testing.T) {
	v := NewValidator([]string{"aurea.deploy.", "sync_centerpoint"})

	tests := []struct {
		action  string
		wantErr bool
	}{
		{"aurea.deploy.mrg", false},
		{"sync_centerpoint", false},
		{"rm -rf /", true},
		{"aurea.deployx", true},
	}

	for _, tt := range tests {
		err := v.Validate(tt.action)
		if tt.wantErr {
			assert.Error(t, err, tt.action)
		} else {
			assert.NoError(t, err, tt.action)
		}
	}
}

func TestValidatorWildcard(t *testing.T) {
	v := NewValidator([]string{"*"})
	assert.NoError(t, v.Validate("anything.at.all"))
}

func TestValidatorDefaultBaseline(t *testing.T) {
	v := NewValidator(nil)
	assert.NoError(t, v.Validate("aurea.cleanup"))
	assert.Error(t, v.Validate("other.cleanup"))
}
