package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	neturl "net/url"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"pdf2img/internal/fetch"
	"pdf2img/internal/pages"
	"pdf2img/internal/render"
	u "pdf2img/internal/utils"
)

// ConvertRequest is the body of POST /v1/convert.
type ConvertRequest struct {
	URL       string  `json:"url"`
	PageRange string  `json:"page_range"`
	DPI       float64 `json:"dpi"`
	Format    string  `json:"format"`
}

// ConvertResponse lists the rendered pages as base64-encoded images.
type ConvertResponse struct {
	Images              []string `json:"images"`
	TotalPagesProcessed int      `json:"total_pages_processed"`
	Pages               []int    `json:"pages"`
}

// PageLink points at the single-page endpoint for one page of a document.
type PageLink struct {
	PageNumber  int    `json:"page_number"`
	URL         string `json:"url"`
	DownloadURL string `json:"download_url"`
}

// InfoResponse is the body of GET /v1/info.
type InfoResponse struct {
	PageCount int        `json:"page_count"`
	Images    []PageLink `json:"images"`
}

// ImageService bundles configuration and dependencies for PDF-to-image
// conversion.
type ImageService struct {
	Config  *u.Config
	Redis   *redis.Client
	Fetcher *fetch.Fetcher

	poolMu  sync.Mutex
	pool    *render.Pool
	poolErr error
}

// NewImageService creates a new ImageService instance.
func NewImageService(cfg u.Config, rdb *redis.Client) *ImageService {
	return &ImageService{
		Config:  &cfg,
		Redis:   rdb,
		Fetcher: fetch.New(cfg),
	}
}

func (svc *ImageService) getRenderPool() (*render.Pool, error) {
	svc.poolMu.Lock()
	defer svc.poolMu.Unlock()

	if svc.Config.Render.PoolSize <= 0 {
		return nil, nil
	}
	if svc.pool != nil {
		return svc.pool, nil
	}
	pool, err := render.NewPool(svc.Config.Render.PoolSize)
	if err != nil {
		svc.poolErr = err
		return nil, err
	}
	svc.pool = pool
	return svc.pool, nil
}

// Close shuts down the render pool.
func (svc *ImageService) Close() {
	svc.poolMu.Lock()
	defer svc.poolMu.Unlock()
	if svc.pool != nil {
		svc.pool.Close()
	}
}

// HandleConvert renders the requested pages of a PDF and returns them as
// base64-encoded images, or serves a cached copy.
func (svc *ImageService) HandleConvert(c *fiber.Ctx) error {
	var req ConvertRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid JSON body: "+err.Error())
	}

	if err := validateSourceURL(req.URL); err != nil {
		return err
	}
	if req.PageRange == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid page_range: missing")
	}
	dpi, err := svc.resolveDPI(req.DPI)
	if err != nil {
		return err
	}
	format, err := render.ParseFormat(req.Format)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	cacheKey := computeImageSetCacheKey(req.URL, req.PageRange, dpi, format)
	if svc.Redis != nil && svc.Config.Cache.ImageCacheEnabled {
		if cached, err := getCachedBytes(c, svc.Redis, cacheKey); err == nil && cached != nil {
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Send(cached)
		}
	}

	pdfData, err := svc.fetchSource(c, req.URL)
	if err != nil {
		return err
	}

	encoded, pageNums, err := svc.renderPages(c.Context(), pdfData, req.PageRange, dpi, format)
	if err != nil {
		return err
	}

	resp := ConvertResponse{
		Images:              make([]string, 0, len(encoded)),
		TotalPagesProcessed: len(encoded),
		Pages:               pageNums,
	}
	for _, img := range encoded {
		resp.Images = append(resp.Images, base64.StdEncoding.EncodeToString(img))
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Response encoding failed")
	}

	if svc.Redis != nil && svc.Config.Cache.ImageCacheEnabled {
		setCachedBytes(c, svc.Redis, cacheKey, body, svc.Config.Cache.ImageCacheTTL)
	}

	requestID := c.Get("X-Request-ID")
	u.Info("Pages converted", "url", req.URL, "pages", len(encoded), "dpi", dpi,
		"format", string(format), "request_id", requestID)

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(body)
}

// HandlePageImage streams one rendered page, inline or as an attachment.
func (svc *ImageService) HandlePageImage(c *fiber.Ctx) error {
	url := c.Query("url")
	if err := validateSourceURL(url); err != nil {
		return err
	}

	page := c.QueryInt("page", 1)
	if page < 1 {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid page: must be >= 1")
	}
	dpi, err := svc.resolveDPI(queryFloat(c, "dpi"))
	if err != nil {
		return err
	}
	// The single-page endpoint historically streams JPEG.
	formatStr := c.Query("format", "jpeg")
	format, err := render.ParseFormat(formatStr)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	download := c.QueryBool("download", false)

	cacheKey := computePageCacheKey(url, page, dpi, format)
	if svc.Redis != nil && svc.Config.Cache.ImageCacheEnabled {
		if cached, err := getCachedBytes(c, svc.Redis, cacheKey); err == nil && cached != nil {
			return sendImage(c, cached, page, format, download)
		}
	}

	pdfData, err := svc.fetchSource(c, url)
	if err != nil {
		return err
	}

	encoded, err := svc.renderSinglePage(c.Context(), pdfData, page, dpi, format)
	if err != nil {
		return err
	}

	if svc.Redis != nil && svc.Config.Cache.ImageCacheEnabled {
		setCachedBytes(c, svc.Redis, cacheKey, encoded, svc.Config.Cache.ImageCacheTTL)
	}

	u.Info("Page rendered", "url", url, "page", page, "dpi", dpi,
		"format", string(format), "request_id", c.Get("X-Request-ID"))
	return sendImage(c, encoded, page, format, download)
}

// HandleInfo reports the page count of a document plus per-page links.
func (svc *ImageService) HandleInfo(c *fiber.Ctx) error {
	url := c.Query("url")
	if err := validateSourceURL(url); err != nil {
		return err
	}

	pdfData, err := svc.fetchSource(c, url)
	if err != nil {
		return err
	}

	doc, err := render.Open(pdfData)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid PDF: "+err.Error())
	}
	pageCount := doc.PageCount()
	_ = doc.Close()

	escaped := neturl.QueryEscape(url)
	resp := InfoResponse{PageCount: pageCount, Images: make([]PageLink, 0, pageCount)}
	for i := 1; i <= pageCount; i++ {
		base := fmt.Sprintf("/v1/pages?url=%s&page=%d", escaped, i)
		resp.Images = append(resp.Images, PageLink{
			PageNumber:  i,
			URL:         base,
			DownloadURL: base + "&download=true",
		})
	}
	return c.JSON(resp)
}

// HandleRenderStats exposes basic observability for the render pool.
func (svc *ImageService) HandleRenderStats(c *fiber.Ctx) error {
	pool, err := svc.getRenderPool()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Render pool init failed: "+err.Error())
	}

	// Pool disabled.
	if pool == nil {
		return c.JSON(fiber.Map{
			"enabled":        false,
			"capacity":       0,
			"idle":           0,
			"in_use":         0,
			"pool_size_conf": svc.Config.Render.PoolSize,
			"timeout_secs":   svc.Config.Render.TimeoutSecs,
		})
	}

	s := pool.Stats()
	return c.JSON(fiber.Map{
		"enabled":        s.Enabled,
		"capacity":       s.Capacity,
		"idle":           s.Idle,
		"in_use":         s.InUse,
		"pool_size_conf": s.PoolSizeConf,
		"acquired":       s.Acquired,
		"last_grant":     s.LastGrant,
		"timeout_secs":   svc.Config.Render.TimeoutSecs,
	})
}

// fetchSource downloads the PDF and maps fetch failures to HTTP errors.
func (svc *ImageService) fetchSource(c *fiber.Ctx, url string) ([]byte, error) {
	timeout := time.Duration(svc.Config.Fetch.TimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(c.Context(), timeout)
	defer cancel()

	data, err := svc.Fetcher.Fetch(ctx, url)
	if err != nil {
		if errors.Is(err, fetch.ErrTooLarge) {
			return nil, fiber.NewError(fiber.StatusRequestEntityTooLarge, err.Error())
		}
		u.Warn("Source fetch failed", "url", url, "error", err.Error())
		return nil, fiber.NewError(fiber.StatusBadRequest, "Failed to fetch PDF: "+err.Error())
	}
	return data, nil
}

// renderPages rasterizes the pages selected by rangeExpr.
func (svc *ImageService) renderPages(ctx context.Context, pdfData []byte, rangeExpr string, dpi float64, format render.Format) ([][]byte, []int, error) {
	var (
		encoded  [][]byte
		pageNums []int
	)
	err := svc.withRenderSlot(ctx, func(ctx context.Context) error {
		doc, err := render.Open(pdfData)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid PDF: "+err.Error())
		}
		defer doc.Close()

		pageNums, err = pages.ParseRange(rangeExpr, doc.PageCount())
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if max := svc.Config.Render.MaxPagesPerRequest; max > 0 && len(pageNums) > max {
			return fiber.NewError(fiber.StatusRequestEntityTooLarge,
				fmt.Sprintf("Too many pages requested: %d exceeds limit of %d", len(pageNums), max))
		}

		encoded = make([][]byte, 0, len(pageNums))
		for _, p := range pageNums {
			// MuPDF renders are not interruptible mid-page, so the budget
			// is enforced between pages.
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := doc.RenderPage(p, dpi)
			if err != nil {
				return fmt.Errorf("render page %d: %w", p, err)
			}
			data, err := render.EncodeImage(img, format, svc.Config.Render.JPEGQuality)
			if err != nil {
				return fmt.Errorf("encode page %d: %w", p, err)
			}
			encoded = append(encoded, data)
		}
		return nil
	})
	if err != nil {
		return nil, nil, svc.mapRenderError(err)
	}
	return encoded, pageNums, nil
}

// renderSinglePage rasterizes one page; an out-of-range page is a 404.
func (svc *ImageService) renderSinglePage(ctx context.Context, pdfData []byte, page int, dpi float64, format render.Format) ([]byte, error) {
	var encoded []byte
	err := svc.withRenderSlot(ctx, func(ctx context.Context) error {
		doc, err := render.Open(pdfData)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid PDF: "+err.Error())
		}
		defer doc.Close()

		if page > doc.PageCount() {
			return fiber.NewError(fiber.StatusNotFound,
				fmt.Sprintf("Page %d not found (document has %d pages)", page, doc.PageCount()))
		}

		// MuPDF renders are not interruptible mid-page; check the budget
		// before starting.
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := doc.RenderPage(page, dpi)
		if err != nil {
			return fmt.Errorf("render page %d: %w", page, err)
		}
		encoded, err = render.EncodeImage(img, format, svc.Config.Render.JPEGQuality)
		if err != nil {
			return fmt.Errorf("encode page %d: %w", page, err)
		}
		return nil
	})
	if err != nil {
		return nil, svc.mapRenderError(err)
	}
	return encoded, nil
}

// withRenderSlot runs fn under the render pool (when enabled) and the
// configured render deadline.
func (svc *ImageService) withRenderSlot(parent context.Context, fn func(context.Context) error) error {
	timeout := time.Duration(svc.Config.Render.TimeoutSecs) * time.Second
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	pool, err := svc.getRenderPool()
	if err != nil {
		return err
	}
	if pool != nil {
		acquireCtx := ctx
		if secs := svc.Config.Render.AcquireTimeoutSecs; secs > 0 {
			var acquireCancel context.CancelFunc
			acquireCtx, acquireCancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
			defer acquireCancel()
		}
		if err := pool.Acquire(acquireCtx); err != nil {
			return err
		}
		defer pool.Release()
	}

	return fn(ctx)
}

// mapRenderError converts renderer failures to transport errors.
func (svc *ImageService) mapRenderError(err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		u.Error("Rendering timeout", "timeout_secs", svc.Config.Render.TimeoutSecs, "error", err.Error())
		return fiber.NewError(fiber.StatusRequestTimeout, "PDF rendering took too long")
	}
	if errors.Is(err, render.ErrPoolClosed) {
		return fiber.NewError(fiber.StatusServiceUnavailable, "Render pool is shutting down")
	}
	u.Error("Rendering failed", "error", err.Error())
	return fiber.NewError(fiber.StatusInternalServerError, "PDF rendering failed: "+err.Error())
}

// resolveDPI applies the default and the configured bounds.
func (svc *ImageService) resolveDPI(dpi float64) (float64, error) {
	if dpi == 0 {
		return svc.Config.Render.DefaultDPI, nil
	}
	if dpi < svc.Config.Render.MinDPI || dpi > svc.Config.Render.MaxDPI {
		return 0, fiber.NewError(fiber.StatusBadRequest,
			fmt.Sprintf("Invalid dpi: must be between %g and %g",
				svc.Config.Render.MinDPI, svc.Config.Render.MaxDPI))
	}
	return dpi, nil
}

func validateSourceURL(raw string) error {
	if raw == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid URL: missing")
	}
	parsed, err := neturl.ParseRequestURI(raw)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid URL: "+err.Error())
	}
	switch parsed.Scheme {
	case "http", "https", "s3":
		return nil
	default:
		return fiber.NewError(fiber.StatusBadRequest, "Invalid URL: must be HTTP, HTTPS or S3")
	}
}

func queryFloat(c *fiber.Ctx, key string) float64 {
	v := c.Query(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return -1 // forces the bounds check to reject it
	}
	return f
}

func sendImage(c *fiber.Ctx, data []byte, page int, format render.Format, download bool) error {
	disposition := "inline"
	if download {
		disposition = "attachment"
	}
	c.Set(fiber.HeaderContentType, format.ContentType())
	c.Set(fiber.HeaderContentDisposition,
		fmt.Sprintf("%s; filename=page_%d.%s", disposition, page, format.Ext()))
	return c.Send(data)
}
