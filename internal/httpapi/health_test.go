package httpapi_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/portfolio_site/internal/httpapi"
	"github.com/MarkoPoloResearchLab/portfolio_site/internal/storage"
	"github.com/MarkoPoloResearchLab/portfolio_site/internal/testutil"
)

type stubPinger struct {
	err error
}

func (pinger stubPinger) Ping(context.Context) error {
	return pinger.err
}

func buildHealthRouter(healthHandlers *httpapi.HealthHandlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET(httpapi.HealthPath, healthHandlers.Health)
	router.GET(httpapi.LivenessPath, healthHandlers.Live)
	router.GET(httpapi.ReadinessPath, healthHandlers.Ready)
	return router
}

func serveGet(router http.Handler, path string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
	return recorder
}

func TestHealthReturnsPlainOK(testingT *testing.T) {
	router := buildHealthRouter(httpapi.NewHealthHandlers(nil, ""))

	recorder := serveGet(router, httpapi.HealthPath)

	require.Equal(testingT, http.StatusOK, recorder.Code)
	require.Equal(testingT, "ok", recorder.Body.String())
	require.Equal(testingT, http.StatusOK, serveGet(router, httpapi.LivenessPath).Code)
}

func TestReadinessChecksDatabaseAndUploadDirectory(testingT *testing.T) {
	database := testutil.OpenMigratedDatabase(testingT)
	uploadDirectory := testingT.TempDir()
	router := buildHealthRouter(httpapi.NewHealthHandlers(storage.NewMessageStore(database), uploadDirectory))

	recorder := serveGet(router, httpapi.ReadinessPath+"?full=1")

	require.Equal(testingT, http.StatusOK, recorder.Code, recorder.Body.String())
	require.Contains(testingT, recorder.Body.String(), "database")
	require.Contains(testingT, recorder.Body.String(), "upload_directory")
}

func TestReadinessFailsWhenDependencyIsUnavailable(testingT *testing.T) {
	testCases := []struct {
		name            string
		pinger          httpapi.DatabasePinger
		uploadDirectory string
	}{
		{name: "database ping fails", pinger: stubPinger{err: errors.New("database is locked")}, uploadDirectory: testingT.TempDir()},
		{name: "upload directory missing", pinger: stubPinger{}, uploadDirectory: filepath.Join(testingT.TempDir(), "gone")},
	}

	for _, testCase := range testCases {
		testCase := testCase
		testingT.Run(testCase.name, func(subTestT *testing.T) {
			router := buildHealthRouter(httpapi.NewHealthHandlers(testCase.pinger, testCase.uploadDirectory))

			require.Equal(subTestT, http.StatusServiceUnavailable, serveGet(router, httpapi.ReadinessPath).Code)
			require.Equal(subTestT, http.StatusOK, serveGet(router, httpapi.HealthPath).Code)
		})
	}
}
