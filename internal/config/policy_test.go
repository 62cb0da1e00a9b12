package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"safeabstract/internal/types"
)

func TestDefaultPolicyValid(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
}

func TestPolicyValidateQuarantineAboveAccept(t *testing.T) {
	p := DefaultPolicy()
	p.ThresholdQuarantine = 0.9
	p.ThresholdAccept = 0.5
	assert.Error(t, p.Validate())
}

func TestPolicyValidateWeightsMustSumToOne(t *testing.T) {
	p := DefaultPolicy()
	p.DimensionWeights.Coverage = 0.99
	assert.Error(t, p.Validate())
}

func TestPolicyValidateUnknownKind(t *testing.T) {
	p := DefaultPolicy()
	p.EnabledKinds = []types.ReferenceKind{"not_a_kind"}
	assert.Error(t, p.Validate())
}

func TestIsKindEnabled(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.IsKindEnabled(types.KindEmail))
	p.EnabledKinds = []types.ReferenceKind{types.KindEmail}
	assert.True(t, p.IsKindEnabled(types.KindEmail))
	assert.False(t, p.IsKindEnabled(types.KindURL))
}

func TestIsTemplatePlaceholder(t *testing.T) {
	p := DefaultPolicy()
	p.TemplatePlaceholderNames = []string{"env_name"}
	assert.True(t, p.IsTemplatePlaceholder("env_name"))
	assert.False(t, p.IsTemplatePlaceholder("other"))
}
