package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMetadata = `{
  "name": "Millow Cottage",
  "address": "157 W 57th St APT 49B, New York, NY 10019",
  "description": "Luxury Condo",
  "image": "https://ipfs.io/ipfs/QmQUozrHLAusXDxrvsESJ3PYB3rUeUuBAvVWw6nop2uu7c/1.png",
  "id": "1",
  "attributes": [
    {"trait_type": "Purchase Price", "value": 20},
    {"trait_type": "Type of Residence", "value": "Condo"},
    {"trait_type": "Bed Rooms", "value": 2},
    {"trait_type": "Bathrooms", "value": 3},
    {"trait_type": "Square Feet", "value": 2200},
    {"trait_type": "Year Built", "value": 2013}
  ]
}`

func newTestFetcher() *HTTPFetcher {
	f := NewHTTPFetcher(2*time.Second, "https://gateway.example/ipfs/", nil)
	f.http.RetryWaitMin = time.Millisecond
	f.http.RetryWaitMax = 2 * time.Millisecond
	return f
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(sampleMetadata))
	}))
	defer srv.Close()

	doc, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/1.json")
	require.NoError(t, err)

	assert.Equal(t, "Millow Cottage", doc.Name)
	assert.Equal(t, "157 W 57th St APT 49B, New York, NY 10019", doc.Address)
	require.Len(t, doc.Attributes, 6)
	assert.Equal(t, "Purchase Price", doc.Attributes[0].TraitType)
	assert.Equal(t, "20", doc.Attributes[0].Value.String())
	assert.True(t, doc.Attributes[0].Value.IsNumber())
	assert.Equal(t, "Condo", doc.Attributes[1].Value.String())
	assert.False(t, doc.Attributes[1].Value.IsNumber())
}

func TestFetch_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(sampleMetadata))
	}))
	defer srv.Close()

	doc, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Millow Cottage", doc.Name)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name": `))
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode metadata")
}

func TestFetch_EmptyURI(t *testing.T) {
	_, err := newTestFetcher().Fetch(context.Background(), "  ")
	assert.Error(t, err)
}

func TestResolveURI(t *testing.T) {
	f := newTestFetcher()
	tests := []struct {
		in, want string
	}{
		{"ipfs://QmHash/1.json", "https://gateway.example/ipfs/QmHash/1.json"},
		{"ipfs://ipfs/QmHash/1.json", "https://gateway.example/ipfs/QmHash/1.json"},
		{"https://example.com/1.json", "https://example.com/1.json"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.ResolveURI(tt.in))
	}
}
