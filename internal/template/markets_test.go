package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkets_Resolve(t *testing.T) {
	markets := Markets{
		"base": {"brand": "Acme", "lang": "en"},
		"de":   {"lang": "de", "market": "DE"},
	}

	vars, err := markets.Resolve("base", "de")
	require.NoError(t, err)
	assert.Equal(t, Variables{"brand": "Acme", "lang": "de", "market": "DE"}, vars)

	// inputs are not modified
	assert.Equal(t, "en", markets["base"]["lang"])
}

func TestMarkets_ResolveUnknown(t *testing.T) {
	_, err := Markets{}.Resolve("nope")
	assert.ErrorContains(t, err, `market "nope" is not defined`)
}
