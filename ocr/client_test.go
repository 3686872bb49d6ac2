package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.Black)
	return img
}

func TestRecognizeGroupsWordsByRow(t *testing.T) {
	var captured recognizeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ocr", r.URL.Path)
		assert.Equal(t, "APPCODE secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"prism_wordsInfo":[{"row":0,"word":"Hello"},{"row":0,"word":" world"},{"row":1,"word":"next"}]}`))
	}))
	defer srv.Close()

	client := NewClient(Config{AppCode: "secret", Host: srv.URL, Path: "ocr"})
	text, err := client.Recognize(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, "Hello world\nnext", text)

	assert.False(t, captured.Prob)
	assert.False(t, captured.CharInfo)
	assert.False(t, captured.Rotate)
	assert.False(t, captured.Table)
	raw, err := base64.StdEncoding.DecodeString(captured.Img)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 3), decoded.Bounds())
}

func TestRecognizeFallsBackToTextField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"text":"  plain text  "}`))
	}))
	defer srv.Close()

	text, err := NewClient(Config{AppCode: "x", Host: srv.URL}).Recognize(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, "plain text", text)
}

func TestRecognizeErrors(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
		code   string
	}{
		"error field":  {http.StatusOK, `{"error":"bad image"}`, ""},
		"err code":     {http.StatusOK, `{"errCode":"E100","errMsg":"quota"}`, "E100"},
		"http failure": {http.StatusForbidden, `denied`, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewClient(Config{AppCode: "x", Host: srv.URL}).Recognize(context.Background(), testImage())
			var ocrErr *Error
			require.True(t, errors.As(err, &ocrErr))
			assert.Equal(t, tc.code, ocrErr.Code)
		})
	}
}

func TestRecognizeEmptyErrCodeIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errCode":"","text":"ok"}`))
	}))
	defer srv.Close()

	text, err := NewClient(Config{AppCode: "x", Host: srv.URL}).Recognize(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestRecognizeRequiresAppCode(t *testing.T) {
	_, err := NewClient(Config{}).Recognize(context.Background(), testImage())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OCR_APPCODE", "abc")
	t.Setenv("OCR_ENABLED", "")
	assert.True(t, ConfigFromEnv().Enabled)

	t.Setenv("OCR_ENABLED", "false")
	assert.False(t, ConfigFromEnv().Enabled)

	t.Setenv("OCR_APPCODE", "")
	t.Setenv("OCR_ENABLED", "true")
	assert.False(t, ConfigFromEnv().Enabled)
}
