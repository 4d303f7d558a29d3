package capital

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionServer(t *testing.T, logins *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["identifier"] != "me@example.com" || body["password"] != "secret" || r.Header.Get("X-CAP-API-KEY") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := atomic.AddInt32(logins, 1)
		w.Header().Set("CST", "cst-"+string(rune('0'+n)))
		w.Header().Set("X-SECURITY-TOKEN", "sec")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSessionAuthenticatorSetsTokens(t *testing.T) {
	var logins int32
	srv := sessionServer(t, &logins)
	creds := NewCredentials("key", &SessionAuthenticator{
		BaseURL: srv.URL, APIKey: "key", Identifier: "me@example.com", Password: "secret",
	})

	require.NoError(t, creds.Refresh(context.Background()))
	assert.Equal(t, uint64(1), creds.Generation())

	h := http.Header{}
	creds.Apply(h)
	assert.Equal(t, "key", h.Get("X-CAP-API-KEY"))
	assert.Equal(t, "cst-1", h.Get("CST"))
	assert.Equal(t, "sec", h.Get("X-SECURITY-TOKEN"))
}

func TestSessionAuthenticatorRejected(t *testing.T) {
	var logins int32
	srv := sessionServer(t, &logins)
	creds := NewCredentials("key", &SessionAuthenticator{
		BaseURL: srv.URL, APIKey: "key", Identifier: "me@example.com", Password: "wrong",
	})

	err := creds.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuth(err))
	assert.Equal(t, uint64(0), creds.Generation())
}

func TestRefreshSinceSharesOneLogin(t *testing.T) {
	var logins int32
	srv := sessionServer(t, &logins)
	creds := NewCredentials("key", &SessionAuthenticator{
		BaseURL: srv.URL, APIKey: "key", Identifier: "me@example.com", Password: "secret",
	})
	seen := creds.Generation()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, creds.RefreshSince(context.Background(), seen))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&logins))
	assert.Equal(t, uint64(1), creds.Generation())
}

func TestRefreshWithoutAuthenticatorIsNoop(t *testing.T) {
	creds := NewCredentials("key", nil)
	require.NoError(t, creds.Refresh(context.Background()))
	assert.Equal(t, uint64(0), creds.Generation())
}
