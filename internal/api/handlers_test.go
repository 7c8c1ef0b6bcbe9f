package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteswarm/siteswarm/internal/agents"
	"github.com/siteswarm/siteswarm/internal/common/logger"
	"github.com/siteswarm/siteswarm/internal/swarm/orchestrator"
	"github.com/siteswarm/siteswarm/internal/swarm/runctx"
	"github.com/siteswarm/siteswarm/internal/swarm/types"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	orch, err := orchestrator.New(orchestrator.Options{Agents: agents.NewRoster(agents.Options{})})
	require.NoError(t, err)

	service := NewService(ServiceOptions{
		Registry:     runctx.NewRegistry(runctx.Options{}),
		Orchestrator: orch,
	})

	router := gin.New()
	SetupRoutes(router, service, nil, logger.Default())
	return router, service
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateRunAndFetchResult(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/runs", RunRequest{
		URL:         "https://example.fi",
		Competitors: []string{"https://rival.fi"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var created RunCreatedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.RunID)

	var status RunStatusResponse
	require.Eventually(t, func() bool {
		w := doJSON(router, http.MethodGet, "/api/v1/runs/"+created.RunID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
			return false
		}
		return status.Status == string(types.RunCompleted) && status.Result != nil
	}, 10*time.Second, 20*time.Millisecond)

	assert.True(t, status.Result.Success)
	assert.Len(t, status.Result.AgentResults, 6)
}

func TestCreateRunRejectsInvalidURL(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/runs", RunRequest{URL: "http://localhost:3000"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateRunRejectsMalformedBody(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetRunNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelRun(t *testing.T) {
	router, service := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/runs", RunRequest{URL: "https://example.fi"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var created RunCreatedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(router, http.MethodPost, "/api/v1/runs/"+created.RunID+"/cancel",
		map[string]string{"reason": "changed my mind"})
	// The swarm may have already finished; both outcomes are legitimate.
	assert.Contains(t, []int{http.StatusOK, http.StatusConflict}, w.Code)

	// Wait for the background goroutine before the registry goes away.
	require.Eventually(t, func() bool {
		status, appErr := service.GetRun(created.RunID)
		return appErr == nil && types.RunStatus(status.Status).Terminal()
	}, 10*time.Second, 20*time.Millisecond)
}

func TestCancelRunNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/runs/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRuns(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/runs", RunRequest{URL: "https://example.fi"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var listing struct {
		Runs  []string `json:"runs"`
		Total int      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Equal(t, 1, listing.Total)
}
