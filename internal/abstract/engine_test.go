package abstract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeabstract/internal/config"
	"safeabstract/internal/rules"
)

func newTestEngine() *Engine {
	p := config.DefaultPolicy()
	return NewEngine(rules.DefaultRegistry(), &p)
}

func TestAbstractReplacesEmailWithPlaceholder(t *testing.T) {
	e := newTestEngine()
	result, err := e.Abstract(context.Background(), "contact jane@example.com for help")
	require.NoError(t, err)
	assert.Contains(t, result.AbstractedContent.(string), "<email>")
	assert.NotContains(t, result.AbstractedContent.(string), "jane@example.com")
	assert.Equal(t, "jane@example.com", result.ConcreteMapping["<email>"])
	assert.Equal(t, 1, result.KindHistogram["email"])
}

func TestAbstractDistinguishesDistinctLiteralsOfSameKind(t *testing.T) {
	e := newTestEngine()
	result, err := e.Abstract(context.Background(), "a@b.com wrote to c@d.com")
	require.NoError(t, err)
	content := result.AbstractedContent.(string)
	assert.Contains(t, content, "<email>")
	assert.Contains(t, content, "<email_2>")
}

func TestAbstractIsConsistentForRepeatedLiteral(t *testing.T) {
	e := newTestEngine()
	result, err := e.Abstract(context.Background(), "a@b.com again a@b.com")
	require.NoError(t, err)
	content := result.AbstractedContent.(string)
	assert.Equal(t, 2, countOccurrences(content, "<email>"))
	assert.Equal(t, 1, len(result.ConcreteMapping))
}

func TestAbstractLeavesCleanContentUnchanged(t *testing.T) {
	e := newTestEngine()
	result, err := e.Abstract(context.Background(), "nothing sensitive here")
	require.NoError(t, err)
	assert.Equal(t, "nothing sensitive here", result.AbstractedContent)
	assert.Empty(t, result.ConcreteMapping)
}

func countOccurrences(s, substr string) int {
	count := 0
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			count++
			i += len(substr) - 1
		}
	}
	return count
}
