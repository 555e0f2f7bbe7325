package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentHandler_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/api/v1/keys/{keyId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(
		httpRequests.WithLabelValues("GET", "/api/v1/keys/{keyId}", "404"),
	)

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/keys/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	after := testutil.ToFloat64(
		httpRequests.WithLabelValues("GET", "/api/v1/keys/{keyId}", "404"),
	)
	assert.Equal(t, 2.0, after-before)
}

func TestHandler_ExposesDomainCounters(t *testing.T) {
	RecordActivation("added")
	RecordLoginOutcome("admit")
	RecordSwept("gaming_keys", 0)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "keygate_keys_activations_total")
	assert.Contains(t, rec.Body.String(), "keygate_login_outcomes_total")
}
