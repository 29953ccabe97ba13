package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleExtractor_AliceScenario(t *testing.T) {
	res, err := NewRuleExtractor().Extract(context.Background(), "c", "Alice works at Acme. Acme is based in Springfield. Alice likes hiking.")
	require.NoError(t, err)

	var names []string
	for _, e := range res.Entities {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"Alice", "Acme", "Acme", "Springfield", "Alice"}, names)
	require.Len(t, res.Relations, 2)
	assert.Equal(t, "Alice", res.Relations[0].Source)
	assert.Equal(t, "Acme", res.Relations[0].Target)
	assert.Equal(t, "Springfield", res.Relations[1].Target)
}

func TestCapitalizedNames_SkipsQuestionWords(t *testing.T) {
	assert.Equal(t, []string{"Alice"}, CapitalizedNames("Where does Alice work?"))
}

func TestHashVector_Deterministic(t *testing.T) {
	a := HashVector("Alice works at Acme", 16)
	assert.Equal(t, a, HashVector("alice WORKS at acme!", 16))
	assert.Len(t, a, 16)
}
