package render

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdf2img/internal/testpdf"
)

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	assert.NoError(t, err)
	assert.Equal(t, FormatPNG, f)

	f, err = ParseFormat("PNG")
	assert.NoError(t, err)
	assert.Equal(t, FormatPNG, f)

	f, err = ParseFormat("jpg")
	assert.NoError(t, err)
	assert.Equal(t, FormatJPEG, f)

	f, err = ParseFormat("jpeg")
	assert.NoError(t, err)
	assert.Equal(t, FormatJPEG, f)

	_, err = ParseFormat("bmp")
	assert.Error(t, err)
}

func TestFormatMetadata(t *testing.T) {
	assert.Equal(t, "image/png", FormatPNG.ContentType())
	assert.Equal(t, "image/jpeg", FormatJPEG.ContentType())
	assert.Equal(t, "png", FormatPNG.Ext())
	assert.Equal(t, "jpg", FormatJPEG.Ext())
}

func TestOpen_RejectsGarbage(t *testing.T) {
	_, err := Open([]byte("this is not a pdf"))
	assert.Error(t, err)
}

func TestOpenAndPageCount(t *testing.T) {
	doc, err := Open(testpdf.Minimal(3))
	require.NoError(t, err)
	defer doc.Close()

	assert.Equal(t, 3, doc.PageCount())
}

func TestRenderPage_DPIScaling(t *testing.T) {
	doc, err := Open(testpdf.Minimal(2))
	require.NoError(t, err)
	defer doc.Close()

	// Fixture pages are one inch square, so pixel size tracks DPI.
	img, err := doc.RenderPage(1, 72)
	require.NoError(t, err)
	assert.InDelta(t, 72, img.Bounds().Dx(), 2)
	assert.InDelta(t, 72, img.Bounds().Dy(), 2)

	img, err = doc.RenderPage(2, 144)
	require.NoError(t, err)
	assert.InDelta(t, 144, img.Bounds().Dx(), 2)
}

func TestRenderPage_OutOfBounds(t *testing.T) {
	doc, err := Open(testpdf.Minimal(1))
	require.NoError(t, err)
	defer doc.Close()

	_, err = doc.RenderPage(0, 72)
	assert.Error(t, err)
	_, err = doc.RenderPage(2, 72)
	assert.Error(t, err)
}

func TestEncodeImage(t *testing.T) {
	doc, err := Open(testpdf.Minimal(1))
	require.NoError(t, err)
	defer doc.Close()

	img, err := doc.RenderPage(1, 72)
	require.NoError(t, err)

	png, err := EncodeImage(img, FormatPNG, 0)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	jpg, err := EncodeImage(img, FormatJPEG, 80)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(jpg, []byte{0xff, 0xd8}))
}
