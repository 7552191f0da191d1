package handlers

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdf2img/internal/testpdf"
	u "pdf2img/internal/utils"
)

func testCfg() u.Config {
	var cfg u.Config
	cfg.Render.PoolSize = 1
	cfg.Render.TimeoutSecs = 10
	cfg.Render.DefaultDPI = 72
	cfg.Render.MinDPI = 36
	cfg.Render.MaxDPI = 300
	cfg.Render.MaxPagesPerRequest = 10
	cfg.Render.JPEGQuality = 90
	cfg.Fetch.TimeoutSecs = 5
	cfg.Fetch.MaxPDFBytes = 1 << 20
	cfg.Cache.ImageCacheEnabled = false
	return cfg
}

func pdfServer(t *testing.T, pageCount int) *httptest.Server {
	t.Helper()
	pdf := testpdf.Minimal(pageCount)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(pdf)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testApp(cfg u.Config) *fiber.App {
	svc := NewImageService(cfg, nil)
	app := fiber.New()
	app.Post("/convert", svc.HandleConvert)
	app.Get("/pages", svc.HandlePageImage)
	app.Get("/info", svc.HandleInfo)
	app.Get("/stats", svc.HandleRenderStats)
	return app
}

func postConvert(t *testing.T, app *fiber.App, body ConvertRequest) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/convert", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestHandleConvert_Validation(t *testing.T) {
	app := testApp(testCfg())
	srv := pdfServer(t, 2)

	tests := []struct {
		name string
		body ConvertRequest
		want int
	}{
		{name: "missing url", body: ConvertRequest{PageRange: "1"}, want: 400},
		{name: "bad scheme", body: ConvertRequest{URL: "ftp://x/doc.pdf", PageRange: "1"}, want: 400},
		{name: "missing range", body: ConvertRequest{URL: srv.URL}, want: 400},
		{name: "dpi too low", body: ConvertRequest{URL: srv.URL, PageRange: "1", DPI: 10}, want: 400},
		{name: "dpi too high", body: ConvertRequest{URL: srv.URL, PageRange: "1", DPI: 9000}, want: 400},
		{name: "bad format", body: ConvertRequest{URL: srv.URL, PageRange: "1", Format: "tiff"}, want: 400},
		{name: "bad range", body: ConvertRequest{URL: srv.URL, PageRange: "5-1"}, want: 400},
		{name: "range past end", body: ConvertRequest{URL: srv.URL, PageRange: "1-9"}, want: 400},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postConvert(t, app, tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestHandleConvert_InvalidJSONBody(t *testing.T) {
	app := testApp(testCfg())
	req := httptest.NewRequest("POST", "/convert", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandleConvert_Success(t *testing.T) {
	app := testApp(testCfg())
	srv := pdfServer(t, 3)

	resp := postConvert(t, app, ConvertRequest{URL: srv.URL, PageRange: "1-2,3", DPI: 72})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out ConvertResponse
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &out))

	assert.Equal(t, 3, out.TotalPagesProcessed)
	assert.Equal(t, []int{1, 2, 3}, out.Pages)
	require.Len(t, out.Images, 3)
	for _, enc := range out.Images {
		raw, err := base64.StdEncoding.DecodeString(enc)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(raw, []byte("\x89PNG")), "expected PNG payload")
	}
}

func TestHandleConvert_JPEGFormat(t *testing.T) {
	app := testApp(testCfg())
	srv := pdfServer(t, 1)

	resp := postConvert(t, app, ConvertRequest{URL: srv.URL, PageRange: "1", Format: "jpeg"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out ConvertResponse
	body, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Images, 1)
	raw, err := base64.StdEncoding.DecodeString(out.Images[0])
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte{0xff, 0xd8}), "expected JPEG payload")
}

func TestHandleConvert_TooManyPages(t *testing.T) {
	cfg := testCfg()
	cfg.Render.MaxPagesPerRequest = 2
	app := testApp(cfg)
	srv := pdfServer(t, 5)

	resp := postConvert(t, app, ConvertRequest{URL: srv.URL, PageRange: "1-5"})
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHandleConvert_FetchFailures(t *testing.T) {
	app := testApp(testCfg())

	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer notFound.Close()
	resp := postConvert(t, app, ConvertRequest{URL: notFound.URL, PageRange: "1"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	notPDF := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>nope</html>"))
	}))
	defer notPDF.Close()
	resp = postConvert(t, app, ConvertRequest{URL: notPDF.URL, PageRange: "1"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandleConvert_SourceTooLarge(t *testing.T) {
	cfg := testCfg()
	cfg.Fetch.MaxPDFBytes = 64
	app := testApp(cfg)
	srv := pdfServer(t, 2)

	resp := postConvert(t, app, ConvertRequest{URL: srv.URL, PageRange: "1"})
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHandlePageImage_Success(t *testing.T) {
	app := testApp(testCfg())
	srv := pdfServer(t, 3)

	req := httptest.NewRequest("GET", "/pages?url="+srv.URL+"&page=2", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "inline; filename=page_2.jpg", resp.Header.Get("Content-Disposition"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(body, []byte{0xff, 0xd8}))
}

func TestHandlePageImage_DownloadAndFormat(t *testing.T) {
	app := testApp(testCfg())
	srv := pdfServer(t, 1)

	req := httptest.NewRequest("GET", "/pages?url="+srv.URL+"&page=1&download=true&format=png", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "attachment; filename=page_1.png", resp.Header.Get("Content-Disposition"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(body, []byte("\x89PNG")))
}

func TestHandlePageImage_Errors(t *testing.T) {
	app := testApp(testCfg())
	srv := pdfServer(t, 2)

	// page past the end of the document
	req := httptest.NewRequest("GET", "/pages?url="+srv.URL+"&page=9", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	// page zero is never valid
	req = httptest.NewRequest("GET", "/pages?url="+srv.URL+"&page=0", nil)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	// missing url
	req = httptest.NewRequest("GET", "/pages", nil)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	// unparsable dpi is rejected by the bounds check
	req = httptest.NewRequest("GET", "/pages?url="+srv.URL+"&page=1&dpi=abc", nil)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestRenderBudgetExceeded_Returns408(t *testing.T) {
	cfg := testCfg()
	cfg.Render.TimeoutSecs = 0 // budget already spent when rendering starts
	app := testApp(cfg)
	srv := pdfServer(t, 2)

	resp := postConvert(t, app, ConvertRequest{URL: srv.URL, PageRange: "1-2"})
	assert.Equal(t, fiber.StatusRequestTimeout, resp.StatusCode)

	req := httptest.NewRequest("GET", "/pages?url="+srv.URL+"&page=1", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusRequestTimeout, resp.StatusCode)
}

func TestRenderPoolClosed_Returns503(t *testing.T) {
	svc := NewImageService(testCfg(), nil)
	app := fiber.New()
	app.Post("/convert", svc.HandleConvert)
	app.Get("/pages", svc.HandlePageImage)
	srv := pdfServer(t, 2)

	pool, err := svc.getRenderPool()
	require.NoError(t, err)
	require.NotNil(t, pool)
	svc.Close()

	resp := postConvert(t, app, ConvertRequest{URL: srv.URL, PageRange: "1"})
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	req := httptest.NewRequest("GET", "/pages?url="+srv.URL+"&page=1", nil)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleInfo(t *testing.T) {
	app := testApp(testCfg())
	srv := pdfServer(t, 3)

	req := httptest.NewRequest("GET", "/info?url="+srv.URL, nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var out InfoResponse
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &out))

	assert.Equal(t, 3, out.PageCount)
	require.Len(t, out.Images, 3)
	assert.Equal(t, 1, out.Images[0].PageNumber)
	assert.Contains(t, out.Images[0].URL, "page=1")
	assert.Contains(t, out.Images[0].DownloadURL, "download=true")
	assert.Equal(t, 3, out.Images[2].PageNumber)
}

func TestHandleRenderStats(t *testing.T) {
	// disabled pool
	cfg := testCfg()
	cfg.Render.PoolSize = 0
	app := testApp(cfg)
	resp, err := app.Test(httptest.NewRequest("GET", "/stats", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var disabled map[string]interface{}
	body, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(body, &disabled))
	assert.Equal(t, false, disabled["enabled"])

	// enabled pool
	app = testApp(testCfg())
	resp, err = app.Test(httptest.NewRequest("GET", "/stats", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var enabled map[string]interface{}
	body, _ = io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(body, &enabled))
	assert.Equal(t, true, enabled["enabled"])
	assert.Equal(t, float64(1), enabled["capacity"])
}

func TestImageService_CloseStopsPool(t *testing.T) {
	svc := NewImageService(testCfg(), nil)
	pool, err := svc.getRenderPool()
	require.NoError(t, err)
	require.NotNil(t, pool)

	svc.Close()
	st := pool.Stats()
	assert.False(t, st.Enabled)
}
