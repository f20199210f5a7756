package reporting

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalpos/backend/internal/domain"
)

func TestHTTPClientAgainstSandbox(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sb := NewSandbox().WithNow(func() time.Time { return fixed })
	srv := httptest.NewServer(sb.Handler())
	defer srv.Close()

	client := NewHTTPClient(HTTPConfig{BaseURL: srv.URL + "/"}, srv.Client())
	ctx := context.Background()

	res, err := client.Report(ctx, reportFor("POS-1", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAccepted, res.Outcome)
	assert.Equal(t, "SBX-POS-1-1", res.Reference)
	require.NotNil(t, res.ServerTime)
	assert.True(t, fixed.Equal(*res.ServerTime))

	res, err = client.Report(ctx, reportFor("POS-1", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, domain.OutcomeAccepted, res.OriginalOutcome)

	res, err = client.Report(ctx, reportFor("POS-1", 5))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)

	serverTime, err := client.ServerTime(ctx)
	require.NoError(t, err)
	assert.True(t, fixed.Equal(serverTime))
}

func TestHTTPClientSendsHeaders(t *testing.T) {
	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"accepted","reference":"R-1"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, APIKey: "secret"}, srv.Client())
	req := reportFor("POS-9", 1)
	_, err := client.Report(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.IdempotencyKey, gotKey)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestHTTPClientClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		retryable bool
		outcome   domain.ReportOutcome
	}{
		{name: "server error", status: http.StatusBadGateway, body: "upstream down", retryable: true},
		{name: "throttled", status: http.StatusTooManyRequests, retryable: true},
		{name: "bad credentials", status: http.StatusUnauthorized, retryable: true},
		{name: "ok without outcome", status: http.StatusOK, body: `{"hello":"world"}`, retryable: true},
		{name: "plain 400", status: http.StatusBadRequest, body: "schema error", outcome: domain.OutcomeRejected},
		{name: "structured rejection", status: http.StatusUnprocessableEntity, body: `{"status":"rejected","reason":"bad vat"}`, outcome: domain.OutcomeRejected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client := NewHTTPClient(HTTPConfig{BaseURL: srv.URL}, srv.Client())
			res, err := client.Report(context.Background(), reportFor("POS-1", 1))
			if tc.retryable {
				require.Error(t, err)
				assert.True(t, IsRetryable(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.outcome, res.Outcome)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestHTTPClientTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewHTTPClient(HTTPConfig{BaseURL: srv.URL}, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Report(ctx, reportFor("POS-1", 1))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}
