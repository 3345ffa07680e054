package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/trialops/ptd/internal/config"
	"github.com/trialops/ptd/internal/pipeline"
	"github.com/trialops/ptd/internal/runstore"
)

const protocolJSON = `{"root": {"type": "section", "title": "SoA", "children": [
	{"type": "table", "children": [
		{"type": "row", "children": [
			{"type": "cell", "text": "Assessment"},
			{"type": "cell", "text": "V1"},
			{"type": "cell", "text": "V2"}
		]},
		{"type": "row", "children": [
			{"type": "cell", "text": "Vital Signs"},
			{"type": "cell", "text": "X"},
			{"type": "cell", "text": "X"}
		]}
	]}
]}}`

const ecrfJSON = `{"root": {"type": "section", "children": [
	{"type": "form", "label": "Vital Signs", "name": "VS_001"}
]}}`

func newTestServer(t *testing.T) (*echo.Echo, runstore.Repository) {
	t.Helper()
	cfg := &config.Config{Port: "0", Env: "development", DataDir: t.TempDir(), ConfigDir: "."}
	stages := pipeline.DefaultStageConfigs()
	repo := runstore.NewRepoMemory()
	return New(cfg, &stages, repo, zerolog.Nop()), repo
}

func createRunBody(protocol, ecrf string) string {
	return fmt.Sprintf(`{"study": "ABC-123", "protocol": %s, "ecrf": %s}`, protocol, ecrf)
}

func TestCreateRunAndFetch(t *testing.T) {
	e, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(createRunBody(protocolJSON, ecrfJSON)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var run runstore.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.Status != runstore.StatusCompleted {
		t.Errorf("status = %q, want completed", run.Status)
	}
	if run.VisitCount != 2 || run.RowCount != 1 {
		t.Errorf("run = %+v", run)
	}

	// Fetch it back.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID.String(), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	// And its grid.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID.String()+"/grid.csv", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("grid status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/csv" {
		t.Errorf("content type = %q, want text/csv", ct)
	}
	disposition := rec.Header().Get("Content-Disposition")
	if !strings.Contains(disposition, "attachment") || !strings.Contains(disposition, ".csv") {
		t.Errorf("disposition = %q", disposition)
	}
	if !strings.Contains(rec.Body.String(), "Vital Signs") {
		t.Error("grid body missing expected row")
	}
}

func TestCreateRunValidation(t *testing.T) {
	e, _ := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"missing study", fmt.Sprintf(`{"protocol": %s, "ecrf": %s}`, protocolJSON, ecrfJSON)},
		{"missing documents", `{"study": "ABC-123"}`},
		{"malformed protocol", fmt.Sprintf(`{"study": "ABC-123", "protocol": {"title": "x"}, "ecrf": %s}`, ecrfJSON)},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(tt.body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tt.name, rec.Code)
		}
	}
}

func TestCreateRunStructureFailure(t *testing.T) {
	e, repo := newTestServer(t)

	// Protocol with no recognizable visit header.
	bad := `{"root": {"type": "section", "title": "SoA", "children": [
		{"type": "table", "children": [
			{"type": "row", "children": [
				{"type": "cell", "text": "Assessment"},
				{"type": "cell", "text": "Notes"}
			]}
		]}
	]}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(createRunBody(bad, ecrfJSON)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body = %s", rec.Code, rec.Body.String())
	}
	runs, total, err := repo.List(req.Context(), 10, 0)
	if err != nil || total != 1 {
		t.Fatalf("runs = %d (%v), want failed run recorded", total, err)
	}
	failed := runs[0]
	if failed.Status != runstore.StatusFailed || failed.FailedStage != "soa_parser" {
		t.Errorf("run = %+v, want failed at soa_parser", failed)
	}
	if failed.Error == nil {
		t.Error("failure reason must be recorded")
	}

	// Grid download for a failed run is refused.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+failed.ID.String()+"/grid.csv", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("grid status = %d, want 409", rec.Code)
	}
}

func TestListRuns(t *testing.T) {
	e, _ := newTestServer(t)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(createRunBody(protocolJSON, ecrfJSON)))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		e.ServeHTTP(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp listRunsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 || len(resp.Items) != 1 {
		t.Errorf("total = %d, items = %d", resp.Total, len(resp.Items))
	}
}

func TestGetRunErrors(t *testing.T) {
	e, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/1bd2bb1b-93b5-4034-9f4e-d6ec2dde0000", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	e, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAuthRequiredInProduction(t *testing.T) {
	key := []byte("test-signing-key")
	cfg := &config.Config{Port: "0", Env: "production", DataDir: t.TempDir(), AuthSigningKey: string(key)}
	stages := pipeline.DefaultStageConfigs()
	e := New(cfg, &stages, runstore.NewRepoMemory(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &jwt.RegisteredClaims{
		Subject:   "reviewer",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Health stays open.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}
