package arch

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/compkit"
	"github.com/GoCodeAlone/compkit/registry"
)

func newTestFramework(t *testing.T) *compkit.Framework {
	t.Helper()
	fw := compkit.New()
	t.Cleanup(fw.Stop)

	_, err := fw.RegisterFactory(fw.NewBundle(), compkit.Descriptor{
		Name: "app.worker",
		Requirements: []compkit.Requirement{
			{Field: "db", Specification: "db.pool"},
		},
		Provides: []compkit.Provided{{Specifications: []string{"app.work"}}},
	})
	require.NoError(t, err)
	return fw
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Instances(t *testing.T) {
	fw := newTestFramework(t)
	h := NewHandler(fw, nil)

	_, err := fw.Instantiate("app.worker", "worker-1", nil)
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/instances", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var list []compkit.InstanceSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "worker-1", list[0].Name)
	assert.Equal(t, "INVALID", list[0].State)

	// The instance becomes visible as VALID once its dependency exists.
	_, err = fw.Registry().Register(1, []string{"db.pool"}, "pool", nil)
	require.NoError(t, err)

	rec = do(t, h, http.MethodGet, "/instances/worker-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap compkit.InstanceSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "VALID", snap.State)
	assert.Len(t, snap.Bindings["db"], 1)

	rec = do(t, h, http.MethodGet, "/instances/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Retry(t *testing.T) {
	fw := compkit.New()
	t.Cleanup(fw.Stop)

	fail := true
	_, err := fw.RegisterFactory(fw.NewBundle(), compkit.Descriptor{
		Name: "fragile",
		Callbacks: compkit.Callbacks{
			Validate: func(*compkit.Instance) error {
				if fail {
					return errors.New("boom")
				}
				return nil
			},
		},
	})
	require.NoError(t, err)
	inst, err := fw.Instantiate("fragile", "frail-1", nil)
	require.NoError(t, err)
	require.Equal(t, compkit.Erroneous, inst.State())

	h := NewHandler(fw, nil)
	fail = false
	rec := do(t, h, http.MethodPost, "/instances/frail-1/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, compkit.Valid, inst.State())

	// Retrying a healthy instance conflicts.
	rec = do(t, h, http.MethodPost, "/instances/frail-1/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/instances/ghost/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Kill(t *testing.T) {
	fw := newTestFramework(t)
	h := NewHandler(fw, nil)

	_, err := fw.Instantiate("app.worker", "worker-1", nil)
	require.NoError(t, err)

	rec := do(t, h, http.MethodDelete, "/instances/worker-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err = fw.Instance("worker-1")
	assert.ErrorIs(t, err, compkit.ErrInstanceNotFound)

	rec = do(t, h, http.MethodDelete, "/instances/worker-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Factories(t *testing.T) {
	fw := newTestFramework(t)
	h := NewHandler(fw, nil)

	rec := do(t, h, http.MethodGet, "/factories", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []compkit.FactorySnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "app.worker", list[0].Name)
	require.Len(t, list[0].Requirements, 1)
	assert.Equal(t, "db.pool", list[0].Requirements[0].Specification)

	rec = do(t, h, http.MethodGet, "/factories/app.worker", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/factories/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Services(t *testing.T) {
	fw := newTestFramework(t)
	h := NewHandler(fw, nil)

	_, err := fw.Registry().Register(7, []string{"db.pool"}, "pool", registry.Properties{
		registry.PropServiceRanking: 3,
		"vendor":                    "acme",
	})
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/services", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ServiceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, int64(7), list[0].Bundle)
	assert.Equal(t, []string{"db.pool"}, list[0].Specifications)
	assert.Equal(t, 3, list[0].Ranking)
	assert.Equal(t, "acme", list[0].Properties["vendor"])
}
