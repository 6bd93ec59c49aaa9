package server

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/esbmeter/esbmeter/pkg/coordinator"
	"github.com/esbmeter/esbmeter/pkg/esb"
	"github.com/esbmeter/esbmeter/pkg/fingerprint"
	"github.com/esbmeter/esbmeter/pkg/session"
	"github.com/esbmeter/esbmeter/pkg/session/sessionmock"
	"github.com/esbmeter/esbmeter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testMPRN = "10000000001"
	chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"
)

func browserUA(ua string) bool {
	return fingerprint.FromUserAgent(ua, "").Family != fingerprint.FamilyUnknown
}

type mockPortal struct {
	mock.Mock
}

func (m *mockPortal) Login(ctx context.Context, creds types.Credentials) (types.AuthSession, error) {
	args := m.Called(ctx, creds)
	return args.Get(0).(types.AuthSession), args.Error(1)
}

func (m *mockPortal) Fetch(ctx context.Context, sess types.AuthSession) (esb.FetchResult, error) {
	args := m.Called(ctx, sess)
	return args.Get(0).(esb.FetchResult), args.Error(1)
}

func newTestServer(t *testing.T, portal coordinator.Portal, store *sessionmock.MockStore) (*Server, *coordinator.Meter) {
	t.Helper()
	policy := coordinator.DefaultPolicy()
	policy.StartupMin = 0
	policy.StartupMax = 0
	m, err := coordinator.NewMeter(coordinator.Config{
		Credentials: types.Credentials{Username: "user@example.com", Password: "pw", MPRN: testMPRN},
		Portal:      portal,
		Sessions:    store,
		Policy:      policy,
	})
	require.NoError(t, err)
	meters := coordinator.NewMap()
	require.NoError(t, meters.Add(m))
	return &Server{
		meters:     meters,
		selector:   fingerprint.NewSelector(rand.NewPCG(1, 2)),
		serverName: "esbmeter/test",
	}, m
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &mockPortal{}, &sessionmock.MockStore{})

	w := serve(srv, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "esbmeter/test", w.Header().Get("Server"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Empty(t, w.Header().Get("Cache-Control"))
}

func TestListMeters(t *testing.T) {
	srv, _ := newTestServer(t, &mockPortal{}, &sessionmock.MockStore{})

	w := serve(srv, httptest.NewRequest("GET", "/api/meters", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var body struct {
		Meters []map[string]any `json:"meters"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Meters, 1)
	assert.Equal(t, testMPRN, body.Meters[0]["mprn"])
	assert.Equal(t, false, body.Meters[0]["hasData"])
	assert.Equal(t, "idle", body.Meters[0]["state"])
}

func TestGetMeter(t *testing.T) {
	srv, _ := newTestServer(t, &mockPortal{}, &sessionmock.MockStore{})

	t.Run("Known", func(t *testing.T) {
		w := serve(srv, httptest.NewRequest("GET", "/api/meters/"+testMPRN, nil))
		require.Equal(t, http.StatusOK, w.Code)
		var snap map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
		assert.Equal(t, testMPRN, snap["mprn"])
	})

	t.Run("Unknown", func(t *testing.T) {
		w := serve(srv, httptest.NewRequest("GET", "/api/meters/10000000002", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "unknown meter")
	})
}

func TestAPIToken(t *testing.T) {
	srv, _ := newTestServer(t, &mockPortal{}, &sessionmock.MockStore{})
	srv.apiToken = "s3cret"

	t.Run("Missing", func(t *testing.T) {
		w := serve(srv, httptest.NewRequest("GET", "/api/meters", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Wrong", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/meters", nil)
		req.Header.Set("Authorization", "Bearer nope")
		w := serve(srv, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Valid", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/meters", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		w := serve(srv, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Healthz Open", func(t *testing.T) {
		w := serve(srv, httptest.NewRequest("GET", "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestSubmitCookies(t *testing.T) {
	t.Run("Stored", func(t *testing.T) {
		store := &sessionmock.MockStore{}
		acquired := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
		store.On("SaveManual", mock.Anything, testMPRN, "a=1; b=2", chromeUA).Return(types.AuthSession{
			MPRN:       testMPRN,
			Cookies:    []types.Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}},
			AcquiredAt: acquired,
		}, nil)
		srv, _ := newTestServer(t, &mockPortal{}, store)

		req := httptest.NewRequest("POST", "/api/meters/"+testMPRN+"/cookies", strings.NewReader(`{"cookies":"a=1; b=2","userAgent":"`+chromeUA+`"}`))
		w := serve(srv, req)
		require.Equal(t, http.StatusAccepted, w.Code)

		var resp submitCookiesResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Cookies)
		assert.True(t, acquired.Equal(resp.AcquiredAt))
		store.AssertExpectations(t)
	})

	t.Run("Falls Back To Request User Agent", func(t *testing.T) {
		store := &sessionmock.MockStore{}
		store.On("SaveManual", mock.Anything, testMPRN, "a=1", chromeUA).Return(types.AuthSession{MPRN: testMPRN}, nil)
		srv, _ := newTestServer(t, &mockPortal{}, store)

		req := httptest.NewRequest("POST", "/api/meters/"+testMPRN+"/cookies", strings.NewReader(`{"cookies":"a=1"}`))
		req.Header.Set("User-Agent", chromeUA)
		w := serve(srv, req)
		assert.Equal(t, http.StatusAccepted, w.Code)
		store.AssertExpectations(t)
	})

	t.Run("Replaces Non Browser User Agent", func(t *testing.T) {
		store := &sessionmock.MockStore{}
		store.On("SaveManual", mock.Anything, testMPRN, "a=1", mock.MatchedBy(browserUA)).Return(types.AuthSession{MPRN: testMPRN}, nil)
		srv, _ := newTestServer(t, &mockPortal{}, store)

		req := httptest.NewRequest("POST", "/api/meters/"+testMPRN+"/cookies", strings.NewReader(`{"cookies":"a=1"}`))
		req.Header.Set("User-Agent", "curl/8.0")
		w := serve(srv, req)
		assert.Equal(t, http.StatusAccepted, w.Code)
		store.AssertExpectations(t)
	})

	t.Run("Invalid Format", func(t *testing.T) {
		store := &sessionmock.MockStore{}
		store.On("SaveManual", mock.Anything, testMPRN, "garbage", mock.Anything).Return(types.AuthSession{}, session.ErrInvalidCookieFormat)
		srv, _ := newTestServer(t, &mockPortal{}, store)

		req := httptest.NewRequest("POST", "/api/meters/"+testMPRN+"/cookies", strings.NewReader(`{"cookies":"garbage"}`))
		w := serve(srv, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Bad Body", func(t *testing.T) {
		srv, _ := newTestServer(t, &mockPortal{}, &sessionmock.MockStore{})
		req := httptest.NewRequest("POST", "/api/meters/"+testMPRN+"/cookies", strings.NewReader(`{`))
		w := serve(srv, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Unknown Meter", func(t *testing.T) {
		srv, _ := newTestServer(t, &mockPortal{}, &sessionmock.MockStore{})
		req := httptest.NewRequest("POST", "/api/meters/10000000002/cookies", strings.NewReader(`{"cookies":"a=1"}`))
		w := serve(srv, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRefresh(t *testing.T) {
	t.Run("Scheduled", func(t *testing.T) {
		srv, _ := newTestServer(t, &mockPortal{}, &sessionmock.MockStore{})
		w := serve(srv, httptest.NewRequest("POST", "/api/meters/"+testMPRN+"/refresh", nil))
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, w.Body.String(), "scheduled")
	})

	t.Run("In Flight", func(t *testing.T) {
		portal := &mockPortal{}
		store := &sessionmock.MockStore{}
		store.On("Load", mock.Anything, testMPRN).Return(nil, nil)
		entered := make(chan struct{})
		release := make(chan struct{})
		portal.On("Login", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).Return(types.AuthSession{}, &esb.Error{Kind: esb.TransientNetwork, Step: esb.StepInitialPage})
		srv, m := newTestServer(t, portal, store)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = m.Trigger(context.Background())
		}()
		<-entered

		w := serve(srv, httptest.NewRequest("POST", "/api/meters/"+testMPRN+"/refresh", nil))
		assert.Equal(t, http.StatusConflict, w.Code)

		close(release)
		<-done
	})

	t.Run("Circuit Open", func(t *testing.T) {
		portal := &mockPortal{}
		store := &sessionmock.MockStore{}
		store.On("Load", mock.Anything, testMPRN).Return(nil, nil)
		portal.On("Login", mock.Anything, mock.Anything).Return(types.AuthSession{}, &esb.Error{Kind: esb.TransientNetwork, Step: esb.StepInitialPage})
		srv, m := newTestServer(t, portal, store)

		for range coordinator.DefaultPolicy().CircuitFailures {
			require.Error(t, m.Trigger(context.Background()))
		}

		w := serve(srv, httptest.NewRequest("POST", "/api/meters/"+testMPRN+"/refresh", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
	})

	t.Run("Unknown Meter", func(t *testing.T) {
		srv, _ := newTestServer(t, &mockPortal{}, &sessionmock.MockStore{})
		w := serve(srv, httptest.NewRequest("POST", "/api/meters/10000000002/refresh", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &mockPortal{}, &sessionmock.MockStore{})
	w := serve(srv, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
