package parse

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dealradar/dealradar/internal/scrape"
)

func TestJSONParsesListings(t *testing.T) {
	t.Parallel()

	raw := []byte(`[
		{"title": "1979 Pontiac Firebird", "price": 15500, "link": "https://a.example/1"},
		{"title": "Garage sale", "price": 0, "link": "https://a.example/2", "image_url": "https://a.example/2.jpg"}
	]`)

	items, err := JSON{}.Parse(raw)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "1979 Pontiac Firebird", items[0].Title)
	require.Equal(t, "https://a.example/2.jpg", items[1].ImageURL)
}

func TestJSONRejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	_, err := JSON{}.Parse([]byte(`{"not": "an array"}`))
	require.Error(t, err)
}

func TestRegistryResolvesRegisteredParser(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	custom := Func(func([]byte) ([]scrape.Item, error) {
		return []scrape.Item{{Title: "custom"}}, nil
	})
	reg.Register("siteA", custom)

	items, err := reg.Resolve("siteA").Parse(nil)
	require.NoError(t, err)
	require.Equal(t, "custom", items[0].Title)
}

func TestRegistryFallsBackToJSON(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	items, err := reg.Resolve("unknown").Parse([]byte(`[{"title":"x","link":"https://a.example/1"}]`))
	require.NoError(t, err)
	require.Len(t, items, 1)
}
