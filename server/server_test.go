package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/rikuo/intelscene/model"
	"github.com/rikuo/intelscene/preprocess"
	"github.com/rikuo/intelscene/server"
	"github.com/rikuo/intelscene/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var cannedScores = []model.ClassScore{
	{Class: "sea", Score: 0.58},
	{Class: "glacier", Score: 0.22},
	{Class: "mountain", Score: 0.1},
	{Class: "forest", Score: 0.05},
	{Class: "buildings", Score: 0.03},
	{Class: "street", Score: 0.02},
}

type fakePredictor struct {
	mu        sync.Mutex
	loaded    bool
	CallCount int
}

func (f *fakePredictor) IsLoaded() bool { return f.loaded }

func (f *fakePredictor) Classes() []string {
	out := make([]string, len(model.Classes))
	copy(out, model.Classes)
	return out
}

func (f *fakePredictor) Predict(*preprocess.Tensor) ([]model.ClassScore, error) {
	f.mu.Lock()
	f.CallCount++
	f.mu.Unlock()
	return cannedScores, nil
}

func newTestRouter(loaded bool) (*gin.Engine, *fakePredictor) {
	fake := &fakePredictor{loaded: loaded}
	svc := service.New(fake, preprocess.New(150))
	return server.NewRouter(server.NewHandler(svc, fake)), fake
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: 120, B: uint8(y * 6), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type filePart struct {
	field       string
	filename    string
	contentType string
	data        []byte
}

func multipartBody(t *testing.T, parts []filePart) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, p := range parts {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name=%q; filename=%q`, p.field, p.filename))
		header.Set("Content-Type", p.contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(p.data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func doUpload(t *testing.T, router *gin.Engine, path string, parts []filePart) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, parts)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

type healthResponse struct {
	Status      string   `json:"status"`
	ModelLoaded bool     `json:"model_loaded"`
	Timestamp   string   `json:"timestamp"`
	Classes     []string `json:"classes"`
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name        string
		loaded      bool
		wantStatus  string
		wantClasses int
	}{
		{"loaded", true, "healthy", 6},
		{"unloaded", false, "unhealthy", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(tt.loaded)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			var got healthResponse
			decodeJSON(t, rec, &got)
			if got.Status != tt.wantStatus || got.ModelLoaded != tt.loaded {
				t.Fatalf("got status=%q loaded=%v, want %q/%v", got.Status, got.ModelLoaded, tt.wantStatus, tt.loaded)
			}
			if got.Classes == nil || len(got.Classes) != tt.wantClasses {
				t.Fatalf("classes = %v, want %d entries", got.Classes, tt.wantClasses)
			}
			if got.Timestamp == "" {
				t.Fatal("missing timestamp")
			}
		})
	}
}

func TestClasses(t *testing.T) {
	router, _ := newTestRouter(true)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/classes", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got struct {
		Classes []string `json:"classes"`
		Total   int      `json:"total"`
	}
	decodeJSON(t, rec, &got)
	if got.Total != 6 || len(got.Classes) != 6 {
		t.Fatalf("got %+v, want 6 classes", got)
	}
	if got.Classes[0] != "buildings" || got.Classes[5] != "street" {
		t.Fatalf("class order changed: %v", got.Classes)
	}
}

func TestClassesModelNotLoaded(t *testing.T) {
	router, _ := newTestRouter(false)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/classes", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestPredictSuccess(t *testing.T) {
	router, fake := newTestRouter(true)
	rec := doUpload(t, router, "/predict", []filePart{
		{"file", "beach.png", "image/png", pngBytes(t)},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Filename    string             `json:"filename"`
		Class       string             `json:"class"`
		Confidence  float64            `json:"confidence"`
		Predictions map[string]float64 `json:"predictions"`
		Timestamp   string             `json:"timestamp"`
	}
	decodeJSON(t, rec, &got)
	if got.Filename != "beach.png" || got.Class != "sea" {
		t.Fatalf("got %+v, want filename beach.png, class sea", got)
	}
	if len(got.Predictions) != 6 {
		t.Fatalf("got %d predictions, want 6", len(got.Predictions))
	}
	if got.Timestamp == "" {
		t.Fatal("missing timestamp")
	}
	if fake.CallCount != 1 {
		t.Fatalf("predictor called %d times, want 1", fake.CallCount)
	}
}

func TestPredictUnsupportedMediaType(t *testing.T) {
	router, fake := newTestRouter(true)
	rec := doUpload(t, router, "/predict", []filePart{
		{"file", "report.pdf", "application/pdf", []byte("%PDF-1.4")},
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var got struct {
		Error      string `json:"error"`
		StatusCode int    `json:"status_code"`
	}
	decodeJSON(t, rec, &got)
	if got.Error == "" || got.StatusCode != http.StatusBadRequest {
		t.Fatalf("error body = %+v", got)
	}
	if fake.CallCount != 0 {
		t.Fatalf("predictor invoked for rejected content type (%d calls)", fake.CallCount)
	}
}

func TestPredictModelNotLoaded(t *testing.T) {
	router, _ := newTestRouter(false)
	rec := doUpload(t, router, "/predict", []filePart{
		{"file", "beach.png", "image/png", pngBytes(t)},
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestPredictCorruptImage(t *testing.T) {
	router, _ := newTestRouter(true)
	rec := doUpload(t, router, "/predict", []filePart{
		{"file", "broken.png", "image/png", []byte("definitely not a png")},
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestPredictMissingFile(t *testing.T) {
	router, _ := newTestRouter(true)
	rec := doUpload(t, router, "/predict", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPredictBatchMixedResults(t *testing.T) {
	router, fake := newTestRouter(true)
	rec := doUpload(t, router, "/predict-batch", []filePart{
		{"files", "a.png", "image/png", pngBytes(t)},
		{"files", "broken.png", "image/png", []byte("garbage")},
		{"files", "c.png", "image/png", pngBytes(t)},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Total   int `json:"total"`
		Results []struct {
			Filename string `json:"filename"`
			Class    string `json:"class"`
			Error    string `json:"error"`
		} `json:"results"`
		Timestamp string `json:"timestamp"`
	}
	decodeJSON(t, rec, &got)
	if got.Total != 3 || len(got.Results) != 3 {
		t.Fatalf("got total=%d results=%d, want 3/3", got.Total, len(got.Results))
	}
	if got.Results[0].Class != "sea" || got.Results[0].Error != "" {
		t.Fatalf("first result = %+v", got.Results[0])
	}
	if got.Results[1].Filename != "broken.png" || got.Results[1].Error == "" {
		t.Fatalf("second result should be an error record: %+v", got.Results[1])
	}
	if got.Results[2].Class != "sea" {
		t.Fatalf("third result = %+v", got.Results[2])
	}
	if fake.CallCount != 2 {
		t.Fatalf("predictor called %d times, want 2", fake.CallCount)
	}
}

func TestPredictBatchTooManyFiles(t *testing.T) {
	data := pngBytes(t)
	parts := make([]filePart, service.MaxBatchSize+1)
	for i := range parts {
		parts[i] = filePart{"files", fmt.Sprintf("img%d.png", i), "image/png", data}
	}

	router, fake := newTestRouter(true)
	rec := doUpload(t, router, "/predict-batch", parts)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if fake.CallCount != 0 {
		t.Fatalf("predictor called %d times, want 0", fake.CallCount)
	}
}

func TestPredictBatchNoFiles(t *testing.T) {
	router, _ := newTestRouter(true)
	rec := doUpload(t, router, "/predict-batch", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCORSHeaders(t *testing.T) {
	router, _ := newTestRouter(true)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/predict", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("preflight status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}
}
