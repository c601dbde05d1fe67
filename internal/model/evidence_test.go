package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRatesFromMetadata(t *testing.T) {
	typed := []Rate{{UnitSize: "10x10", MonthlyCents: 12900, Source: "https://a"}}
	assert.Equal(t, typed, RatesFromMetadata(map[string]any{MetadataRates: typed}))

	raw, err := json.Marshal(map[string]any{MetadataRates: typed})
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, typed, RatesFromMetadata(decoded))

	assert.Nil(t, RatesFromMetadata(nil))
	assert.Nil(t, RatesFromMetadata(map[string]any{MetadataRates: "10x10"}))
	assert.Empty(t, RatesFromMetadata(map[string]any{MetadataRates: []any{"x", map[string]any{"monthly_cents": 5.0}}}))
}
