package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/plantid/internal/controller"
	"github.com/example/plantid/internal/identify"
	"github.com/example/plantid/internal/plant"
	"github.com/example/plantid/internal/preview"
	"github.com/example/plantid/internal/uploader"
)

type stubIdentifier struct {
	result *plant.Result
	err    error
}

func (s *stubIdentifier) Identify(ctx context.Context, img uploader.Image) (*plant.Result, error) {
	return s.result, s.err
}

type testApp struct {
	router   *gin.Engine
	ctrl     *controller.Controller
	uploader *uploader.Uploader
	store    *preview.Store
	settled  []<-chan struct{}
}

func newTestApp(t *testing.T, identifier controller.Identifier) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	app := &testApp{store: preview.NewStore()}
	app.ctrl = controller.New(identifier, app.store, zap.NewNop())
	app.uploader = uploader.New(func(img uploader.Image) {
		app.settled = append(app.settled, app.ctrl.Select(img))
	})
	t.Cleanup(app.ctrl.Close)

	app.router = gin.New()
	app.router.MaxMultipartMemory = MaxUploadSize
	app.router.Use(RequestLogger(zap.NewNop()))
	RegisterRoutes(app.router, Deps{
		Controller: app.ctrl,
		Uploader:   app.uploader,
		Previews:   app.store,
		Logger:     zap.NewNop(),
	})
	return app
}

func (a *testApp) waitSettled(t *testing.T) {
	t.Helper()
	for _, ch := range a.settled {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("identification did not settle")
		}
	}
}

func (a *testApp) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	a.router.ServeHTTP(resp, req)
	return resp
}

func (a *testApp) state(t *testing.T) stateResponse {
	t.Helper()
	resp := a.do(httptest.NewRequest(http.MethodGet, "/state", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var state stateResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &state); err != nil {
		t.Fatalf("failed to decode state: %v", err)
	}
	return state
}

func aloe() *plant.Result {
	return &plant.Result{
		PlantName:      "Aloe Vera",
		ScientificName: "Aloe barbadensis",
		Description:    "A succulent.",
		MedicinalUses:  []string{"Burn relief", "Skin moisturizer"},
	}
}

func TestSelectRejectsLargeUpload(t *testing.T) {
	app := newTestApp(t, &stubIdentifier{result: aloe()})

	body, contentType := buildMultipartBody(t, "image/png", "", bytes.Repeat([]byte("a"), MaxUploadSize+1))
	req := httptest.NewRequest(http.MethodPost, "/select", body)
	req.Header.Set("Content-Type", contentType)

	resp := app.do(req)
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if len(app.settled) != 0 {
		t.Fatalf("expected no selection, got %d", len(app.settled))
	}
}

func TestSelectRejectsUnsupportedContentType(t *testing.T) {
	app := newTestApp(t, &stubIdentifier{result: aloe()})

	body, contentType := buildMultipartBody(t, "text/plain", "", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/select", body)
	req.Header.Set("Content-Type", contentType)

	resp := app.do(req)
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestSelectRequiresFile(t *testing.T) {
	app := newTestApp(t, &stubIdentifier{result: aloe()})

	req := httptest.NewRequest(http.MethodPost, "/select", strings.NewReader(url.Values{"source": {"browse"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp := app.do(req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestDropAcceptsAnyContentType(t *testing.T) {
	app := newTestApp(t, &stubIdentifier{result: aloe()})

	body, contentType := buildMultipartBody(t, "image/gif", "drop", []byte("GIF89a"))
	req := httptest.NewRequest(http.MethodPost, "/select", body)
	req.Header.Set("Content-Type", contentType)

	resp := app.do(req)
	if resp.Code != http.StatusSeeOther {
		t.Fatalf("expected status %d, got %d", http.StatusSeeOther, resp.Code)
	}
	if len(app.settled) != 1 {
		t.Fatalf("expected one selection, got %d", len(app.settled))
	}
}

func TestSelectRendersResult(t *testing.T) {
	app := newTestApp(t, &stubIdentifier{result: aloe()})

	body, contentType := buildMultipartBody(t, "image/jpeg", "browse", []byte("jpeg-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/select", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp := app.do(req)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, resp.Code)
	}
	if resp.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
	app.waitSettled(t)

	state := app.state(t)
	if state.Mode != controller.ModeResult {
		t.Fatalf("expected mode %q, got %q", controller.ModeResult, state.Mode)
	}
	if state.Result == nil || state.Result.PlantName != "Aloe Vera" {
		t.Fatalf("unexpected result: %+v", state.Result)
	}

	page := app.do(httptest.NewRequest(http.MethodGet, "/", nil))
	html := page.Body.String()
	burn := strings.Index(html, "<li>Burn relief</li>")
	skin := strings.Index(html, "<li>Skin moisturizer</li>")
	if burn < 0 || skin < 0 || burn > skin {
		t.Fatalf("expected uses in order, got page:\n%s", html)
	}
	if !strings.Contains(html, `<img src="`+state.PreviewURL+`"`) {
		t.Fatalf("expected preview image %s in page", state.PreviewURL)
	}

	previewResp := app.do(httptest.NewRequest(http.MethodGet, state.PreviewURL, nil))
	if previewResp.Code != http.StatusOK || previewResp.Body.String() != "jpeg-bytes" {
		t.Fatalf("unexpected preview response %d %q", previewResp.Code, previewResp.Body.String())
	}
	if got := previewResp.Header().Get("Content-Type"); got != "image/jpeg" {
		t.Fatalf("unexpected preview content type %q", got)
	}
}

func TestFailureShowsBannerAndKeepsPreview(t *testing.T) {
	app := newTestApp(t, &stubIdentifier{err: &identify.Error{
		Kind:    identify.KindConnectionFailed,
		Message: "Connection failed. Please ensure the identification backend is running.",
	}})

	body, contentType := buildMultipartBody(t, "image/png", "", []byte("png-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/select", body)
	req.Header.Set("Content-Type", contentType)
	app.do(req)
	app.waitSettled(t)

	html := app.do(httptest.NewRequest(http.MethodGet, "/", nil)).Body.String()
	if !strings.Contains(html, "Identification Failed") || !strings.Contains(html, "backend is running") {
		t.Fatalf("expected error banner, got page:\n%s", html)
	}
	if !strings.Contains(html, `alt="Plant preview"`) {
		t.Fatal("expected preview to stay visible after failure")
	}

	state := app.state(t)
	if state.Error == nil || state.Error.Kind != "connection_failed" {
		t.Fatalf("unexpected error state: %+v", state.Error)
	}
}

func TestClearRevokesPreview(t *testing.T) {
	app := newTestApp(t, &stubIdentifier{result: aloe()})

	body, contentType := buildMultipartBody(t, "image/webp", "", []byte("webp-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/select", body)
	req.Header.Set("Content-Type", contentType)
	app.do(req)
	app.waitSettled(t)
	previewURL := app.state(t).PreviewURL

	resp := app.do(httptest.NewRequest(http.MethodPost, "/clear", nil))
	if resp.Code != http.StatusSeeOther {
		t.Fatalf("expected status %d, got %d", http.StatusSeeOther, resp.Code)
	}

	state := app.state(t)
	if state.Mode != controller.ModeUpload || state.PreviewURL != "" || state.Result != nil {
		t.Fatalf("expected idle state, got %+v", state)
	}
	if got := app.do(httptest.NewRequest(http.MethodGet, previewURL, nil)).Code; got != http.StatusNotFound {
		t.Fatalf("expected revoked preview to return %d, got %d", http.StatusNotFound, got)
	}
	if stats := app.store.Stats(); stats.Created != 1 || stats.Revoked != 1 {
		t.Fatalf("unexpected preview stats %+v", stats)
	}
}

func TestDragToggle(t *testing.T) {
	app := newTestApp(t, &stubIdentifier{result: aloe()})

	post := func(state string) int {
		req := httptest.NewRequest(http.MethodPost, "/drag", strings.NewReader(url.Values{"state": {state}}.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return app.do(req).Code
	}

	if code := post("enter"); code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, code)
	}
	if !app.state(t).Dragging {
		t.Fatal("expected dragging after enter")
	}
	if !strings.Contains(app.do(httptest.NewRequest(http.MethodGet, "/", nil)).Body.String(), "dropzone dragging") {
		t.Fatal("expected highlighted drop zone")
	}
	post("leave")
	if app.state(t).Dragging {
		t.Fatal("expected drag flag cleared after leave")
	}
	if code := post("hover"); code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, code)
	}
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, &stubIdentifier{result: aloe()})
	if code := app.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code; code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, code)
	}
}

func buildMultipartBody(t *testing.T, contentType, source string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if source != "" {
		if err := writer.WriteField("source", source); err != nil {
			t.Fatalf("failed to write source field: %v", err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="leaf.jpg"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}
