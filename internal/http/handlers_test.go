package http

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "net/http/httptest"
    "testing"

    "github.com/gin-gonic/gin"
    "github.com/rs/zerolog"
    "github.com/stretchr/testify/assert"

    "github.com/example/uplift-dashboard/internal/config"
    "github.com/example/uplift-dashboard/internal/domain"
    "github.com/example/uplift-dashboard/internal/payload"
    "github.com/example/uplift-dashboard/internal/repo"
)

type stubService struct {
    analyses []domain.Analysis
    bug      *domain.Bug
    lastRun  any
}

func (s *stubService) AnalysisList(ctx context.Context) ([]payload.AnalysisView, error) {
    out := make([]payload.AnalysisView, 0, len(s.analyses))
    for _, a := range s.analyses {
        av, err := payload.SerializeAnalysis(a, false)
        if err != nil { return nil, err }
        out = append(out, av)
    }
    return out, nil
}

func (s *stubService) AnalysisView(ctx context.Context, id int64, full bool) (payload.AnalysisView, error) {
    for _, a := range s.analyses {
        if a.ID == id { return payload.SerializeAnalysis(a, full) }
    }
    return payload.AnalysisView{}, repo.ErrNotFound
}

func (s *stubService) BugView(ctx context.Context, bugzillaID int64) (payload.BugView, error) {
    if s.bug == nil || s.bug.BugzillaID != bugzillaID {
        return payload.BugView{}, repo.ErrNotFound
    }
    return payload.SerializeBug(*s.bug)
}

func (s *stubService) RunRefresh(ctx context.Context) error { return nil }

func (s *stubService) GetLastRun(ctx context.Context) (any, error) {
    if s.lastRun == nil { return nil, errors.New("no runs yet") }
    return s.lastRun, nil
}

const bugPayload = `{
    "bug": {
        "summary": "Crash on startup",
        "keywords": ["crash"],
        "cf_status_firefox57": "affected",
        "attachments": [{"id": 42, "flags": [{"name": "approval-mozilla-beta", "status": "+"}]}]
    },
    "analysis": {
        "users": {"creator": "c@mozilla.com", "assignee": "a@mozilla.com", "reviewers": []},
        "patches": {}
    }
}`

func newTestRouter(svc *stubService) *gin.Engine {
    gin.SetMode(gin.TestMode)
    return NewRouter(config.Config{AppEnv: "test"}, zerolog.Nop(), svc)
}

func testAnalyses() []domain.Analysis {
    return []domain.Analysis{{
        ID:         1,
        Name:       "Uplift to beta",
        Parameters: "f1=flagtypes.name",
        Bugs: []domain.Bug{
            {ID: 10, BugzillaID: 1000, Payload: json.RawMessage(bugPayload)},
            {ID: 11, BugzillaID: 1001},
        },
    }}
}

func TestHealthz(t *testing.T) {
    r := newTestRouter(&stubService{})
    w := httptest.NewRecorder()
    r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
    assert.Equal(t, http.StatusOK, w.Code)
}

func TestListAnalyses_SummaryShape(t *testing.T) {
    r := newTestRouter(&stubService{analyses: testAnalyses()})
    w := httptest.NewRecorder()
    r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/analysis", nil))
    assert.Equal(t, http.StatusOK, w.Code)

    var out []payload.AnalysisView
    assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
    assert.Len(t, out, 1)
    assert.Equal(t, 2, out[0].Count)
    assert.Empty(t, out[0].Bugs)
}

func TestGetAnalysis_FullByDefault(t *testing.T) {
    r := newTestRouter(&stubService{analyses: testAnalyses()})
    w := httptest.NewRecorder()
    r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/analysis/1", nil))
    assert.Equal(t, http.StatusOK, w.Code)

    var out payload.AnalysisView
    assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
    assert.Equal(t, 2, out.Count)
    // the payload-less bug is skipped, not an error
    assert.Len(t, out.Bugs, 1)
    assert.Equal(t, int64(1000), out.Bugs[0].BugzillaID)
}

func TestGetAnalysis_SummaryParam(t *testing.T) {
    r := newTestRouter(&stubService{analyses: testAnalyses()})
    w := httptest.NewRecorder()
    r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/analysis/1?full=false", nil))
    assert.Equal(t, http.StatusOK, w.Code)

    var out payload.AnalysisView
    assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
    assert.Equal(t, 2, out.Count)
    assert.Empty(t, out.Bugs)
}

func TestGetAnalysis_NotFound(t *testing.T) {
    r := newTestRouter(&stubService{analyses: testAnalyses()})
    w := httptest.NewRecorder()
    r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/analysis/99", nil))
    assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetAnalysis_BadID(t *testing.T) {
    r := newTestRouter(&stubService{})
    w := httptest.NewRecorder()
    r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/analysis/abc", nil))
    assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetBug(t *testing.T) {
    bug := domain.Bug{ID: 10, BugzillaID: 1000, Payload: json.RawMessage(bugPayload)}
    r := newTestRouter(&stubService{bug: &bug})
    w := httptest.NewRecorder()
    r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/bugs/1000", nil))
    assert.Equal(t, http.StatusOK, w.Code)

    var out payload.BugView
    assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
    assert.Equal(t, "https://bugzil.la/1000", out.URL)
    assert.Equal(t, "affected", out.FlagsStatus["firefox57"])
    if assert.Contains(t, out.Versions, "beta +") {
        assert.Equal(t, []string{"42"}, out.Versions["beta +"].Attachments)
    }
}

func TestGetBug_EmptyPayloadIsBadGateway(t *testing.T) {
    bug := domain.Bug{ID: 10, BugzillaID: 1000}
    r := newTestRouter(&stubService{bug: &bug})
    w := httptest.NewRecorder()
    r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/bugs/1000", nil))
    assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestRunRefresh_Queued(t *testing.T) {
    r := newTestRouter(&stubService{})
    w := httptest.NewRecorder()
    r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/refresh", nil))
    assert.Equal(t, http.StatusAccepted, w.Code)
}
