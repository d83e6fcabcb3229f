package linkpreview

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver() *Resolver {
	return &Resolver{
		httpClient: resty.New().SetTimeout(2 * time.Second),
		cacheTTL:   time.Minute,
	}
}

func TestExtractURL(t *testing.T) {
	assert.Equal(t, "https://example.com/page", ExtractURL("看看这个 https://example.com/page 很有意思"))
	assert.Equal(t, "http://a.cn/1", ExtractURL("http://a.cn/1 and https://b.cn/2"))
	assert.Empty(t, ExtractURL("没有链接的普通消息"))
	assert.Empty(t, ExtractURL(""))
}

func TestFetchPrefersOpenGraph(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head>
			<title>fallback title</title>
			<meta property="og:title" content="图谱分享" />
			<meta property="og:image" content="/cover.png" />
		</head><body></body></html>`))
	}))
	defer srv.Close()

	preview, err := newTestResolver().fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "图谱分享", preview.Title)
	assert.Equal(t, srv.URL+"/cover.png", preview.ImageURL)
	assert.Equal(t, srv.URL, preview.URL)
}

func TestFetchFallsBackToTitleTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title> 普通页面 </title></head></html>`))
	}))
	defer srv.Close()

	preview, err := newTestResolver().fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "普通页面", preview.Title)
	assert.Empty(t, preview.ImageURL)
}

func TestFetchRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestResolver().fetch(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestFetchRejectsEmptyMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head></head><body>nothing here</body></html>`))
	}))
	defer srv.Close()

	_, err := newTestResolver().fetch(context.Background(), srv.URL)
	assert.Error(t, err)
}
