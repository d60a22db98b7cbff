package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskMetadata(t *testing.T) {
	out := MaskMetadata(map[string]any{
		"email":   "jane@example.com",
		"amount":  2999,
		"payment": map[string]any{"gateway_reference": "ch_1234567890"},
		"":        "dropped",
	})

	assert.Equal(t, "****.com", out["email"])
	assert.Equal(t, 2999, out["amount"])
	assert.Equal(t, "****7890", out["payment"].(map[string]any)["gateway_reference"])
	assert.NotContains(t, out, "")
}

func TestMaskSecretShortValues(t *testing.T) {
	assert.Equal(t, "", MaskSecret("  "))
	assert.Equal(t, "****", MaskSecret("abc"))
}
