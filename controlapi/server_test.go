package controlapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethproofgate/relayproxy/controlapi"
	"github.com/ethproofgate/relayproxy/store"
)

type fakeStore struct {
	mu     sync.Mutex
	routes store.RoutesView
}

func newFakeStore() *fakeStore {
	return &fakeStore{routes: store.RoutesView{}}
}

func (f *fakeStore) Snapshot() store.RoutesView {
	f.mu.Lock()
	defer f.mu.Unlock()
	view := make(store.RoutesView, len(f.routes))
	for k, v := range f.routes {
		view[k] = v
	}
	return view
}

func (f *fakeStore) UpdateRoutes(new map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range new {
		f.routes[k] = v
	}
	return nil
}

func TestGetRoutesReturnsSnapshot(t *testing.T) {
	st := newFakeStore()
	st.UpdateRoutes(map[string]string{"addr1": "https://a.example"})
	srv := controlapi.NewServer(st, "topic-1", "pem", "testnet", nil)

	req := httptest.NewRequest(http.MethodGet, "/routes", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "https://a.example", body["addr1"])
}

func TestPostRoutesMergesWithoutAuthWhenSecretEmpty(t *testing.T) {
	st := newFakeStore()
	srv := controlapi.NewServer(st, "topic-1", "pem", "testnet", nil)

	body, _ := json.Marshal(map[string]string{"0xabc": "https://new.example.com"})
	req := httptest.NewRequest(http.MethodPost, "/routes", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	url, _ := st.Snapshot()["0xabc"]
	assert.Equal(t, "https://new.example.com", url)
}

func TestPostRoutesRejectsWithoutTokenWhenSecretSet(t *testing.T) {
	st := newFakeStore()
	secret := []byte("super-secret")
	srv := controlapi.NewServer(st, "topic-1", "pem", "testnet", secret)

	body, _ := json.Marshal(map[string]string{"0xabc": "https://new.example.com"})
	req := httptest.NewRequest(http.MethodPost, "/routes", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPostRoutesAcceptsValidToken(t *testing.T) {
	st := newFakeStore()
	secret := []byte("super-secret")
	srv := controlapi.NewServer(st, "topic-1", "pem", "testnet", secret)

	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"0xabc": "https://new.example.com"})
	req := httptest.NewRequest(http.MethodPost, "/routes", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetStatusReturnsTopicAndKey(t *testing.T) {
	st := newFakeStore()
	srv := controlapi.NewServer(st, "topic-7", "-----BEGIN PUBLIC KEY-----", "mainnet", nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var status controlapi.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "topic-7", status.TopicID)
	assert.Equal(t, "-----BEGIN PUBLIC KEY-----", status.PublicKey)
	assert.Equal(t, "mainnet", status.Network)
}
