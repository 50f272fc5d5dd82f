package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/acamarata/cutroom/internal/agentauth"
	"github.com/acamarata/cutroom/internal/store"
	"github.com/acamarata/cutroom/pkg/scheduler"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testRouter(t *testing.T) (*gin.Engine, *Handler) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	sched := scheduler.New(store.NewMemoryStore())
	signer := agentauth.NewSigner("test-secret", time.Hour)
	h := NewHandler(sched, nil, signer, nil, log)

	router := gin.New()
	h.RegisterRoutes(router)
	return router, h
}

func parseJSON(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("unmarshal response body: %v", err)
	}
	return result
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := parseJSON(t, w.Body.Bytes())
	if body["status"] != "healthy" {
		t.Fatalf("status field = %v, want healthy", body["status"])
	}
}

func TestCreatePipeline_Success(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/pipelines", map[string]string{"topic": "Why cats purr"}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", w.Code, w.Body.String())
	}
	body := parseJSON(t, w.Body.Bytes())
	if body["Topic"] != "Why cats purr" {
		t.Fatalf("topic = %v, want %q", body["Topic"], "Why cats purr")
	}
	if body["Status"] != "DRAFT" {
		t.Fatalf("status = %v, want DRAFT", body["Status"])
	}
}

func TestCreatePipeline_EmptyTopic(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/pipelines", map[string]string{"topic": ""}, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func createAndStart(t *testing.T, router *gin.Engine) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/pipelines", map[string]string{"topic": "t"}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	id := parseJSON(t, w.Body.Bytes())["ID"].(string)

	w = doJSON(t, router, http.MethodPost, "/api/v1/pipelines/"+id+"/start", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d, body=%s", w.Code, w.Body.String())
	}
	return id
}

func TestClaimStage_RequiresBearerToken(t *testing.T) {
	router, _ := testRouter(t)
	id := createAndStart(t, router)

	w := doJSON(t, router, http.MethodPost, "/api/v1/pipelines/"+id+"/stages/RESEARCH/claim", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestClaimStage_Success(t *testing.T) {
	router, h := testRouter(t)
	id := createAndStart(t, router)

	tok, _, err := h.Signer.IssueToken("agent-1", "Research Bot")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	w := doJSON(t, router, http.MethodPost, "/api/v1/pipelines/"+id+"/stages/RESEARCH/claim", nil, tok)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	body := parseJSON(t, w.Body.Bytes())
	if body["AgentID"] != "agent-1" {
		t.Fatalf("claimed stage does not carry agent-1 identity: %v", body)
	}
}

func TestCompleteStage_FullRoundTrip(t *testing.T) {
	router, h := testRouter(t)
	id := createAndStart(t, router)

	tok, _, err := h.Signer.IssueToken("agent-1", "Research Bot")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	w := doJSON(t, router, http.MethodPost, "/api/v1/pipelines/"+id+"/stages/RESEARCH/claim", nil, tok)
	if w.Code != http.StatusOK {
		t.Fatalf("claim status = %d", w.Code)
	}
	stageID := parseJSON(t, w.Body.Bytes())["ID"].(string)

	w = doJSON(t, router, http.MethodPost, "/api/v1/stages/"+stageID+"/start", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d, body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/stages/"+stageID+"/complete",
		map[string]interface{}{"output": map[string]string{"summary": "done"}, "artifacts": []string{"s3://bucket/key"}}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body=%s", w.Code, w.Body.String())
	}
}

func TestFailStage_RequiresError(t *testing.T) {
	router, h := testRouter(t)
	id := createAndStart(t, router)

	tok, _, _ := h.Signer.IssueToken("agent-1", "Bot")
	w := doJSON(t, router, http.MethodPost, "/api/v1/pipelines/"+id+"/stages/RESEARCH/claim", nil, tok)
	stageID := parseJSON(t, w.Body.Bytes())["ID"].(string)

	w = doJSON(t, router, http.MethodPost, "/api/v1/stages/"+stageID+"/fail", map[string]string{}, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing error field", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/stages/"+stageID+"/fail", map[string]string{"error": "boom"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
}

func TestGetPipeline_NotFound(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/pipelines/does-not-exist", nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	body := parseJSON(t, w.Body.Bytes())
	if body["error"] != "NOT_FOUND" {
		t.Fatalf("error = %v, want NOT_FOUND", body["error"])
	}
}

func TestListPipelines_Empty(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/pipelines", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := parseJSON(t, w.Body.Bytes())
	if body["count"] != float64(0) {
		t.Fatalf("count = %v, want 0", body["count"])
	}
}

func TestListReady_AfterCreateAndStart(t *testing.T) {
	router, _ := testRouter(t)
	createAndStart(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/v1/ready", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := parseJSON(t, w.Body.Bytes())
	if body["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", body["count"])
	}
}

func TestResolveArtifact_NoResolverConfigured(t *testing.T) {
	router, _ := testRouter(t)
	id := createAndStart(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/v1/stages/"+id+"/artifacts/0/url", nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when no artifact resolver is configured", w.Code)
	}
	body := parseJSON(t, w.Body.Bytes())
	if body["error"] != "NOT_FOUND" {
		t.Fatalf("error = %v, want NOT_FOUND", body["error"])
	}
}

func TestResolveArtifact_InvalidIndex(t *testing.T) {
	router, _ := testRouter(t)
	id := createAndStart(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/v1/stages/"+id+"/artifacts/not-a-number/url", nil, "")
	if w.Code != http.StatusNotFound {
		// No resolver configured short-circuits before the index is parsed.
		t.Fatalf("status = %d, want 404 (no resolver configured)", w.Code)
	}
}

func TestUnknownRoute_Returns404(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/nonexistent", nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
