package xhttp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientSetsUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := New(ClientConfig{UserAgent: "test-agent/1.0"})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	assert.NoError(t, err)
	resp, err := c.Do(req)
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "test-agent/1.0", gotUA)
}

func TestClientCustomHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	c := New(ClientConfig{Headers: map[string]string{"Authorization": "Bearer xyz"}})
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(req)
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer xyz", gotAuth)
}
