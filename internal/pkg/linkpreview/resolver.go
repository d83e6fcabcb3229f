package linkpreview

import (
	"context"
	"errors"
	log "log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"Mindweave/internal/api/config"
	"Mindweave/internal/pkg/consts"
	"Mindweave/internal/pkg/redis"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// Preview 链接解析结果
type Preview struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Resolver 链接卡片解析器，抓取目标页面的 OpenGraph 元信息。
// 结果写入 Redis 缓存，同一链接在缓存期内不重复抓取。
type Resolver struct {
	httpClient *resty.Client
	cacheTTL   time.Duration
}

func NewResolver(cfg config.LinkPreviewConfig) *Resolver {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cacheTTL := time.Duration(cfg.CacheMinutes) * time.Minute
	if cacheTTL <= 0 {
		cacheTTL = 6 * time.Hour
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", cfg.UserAgent).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))

	return &Resolver{
		httpClient: client,
		cacheTTL:   cacheTTL,
	}
}

// ExtractURL 提取正文中的第一个链接，没有链接返回空串
func ExtractURL(body string) string {
	match := urlPattern.FindString(body)
	if match == "" {
		return ""
	}
	if _, err := url.Parse(match); err != nil {
		return ""
	}
	return match
}

// Resolve 解析链接，优先命中缓存
func (s *Resolver) Resolve(ctx context.Context, target string) (*Preview, error) {
	cacheKey := consts.LinkPreviewKey + target

	if cached, err := redis.GetValue(ctx, cacheKey); err == nil && cached != "" {
		var preview Preview
		if err := json.Unmarshal([]byte(cached), &preview); err == nil {
			return &preview, nil
		}
	}

	preview, err := s.fetch(ctx, target)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(preview); err == nil {
		if err := redis.SetWithExpiration(ctx, cacheKey, string(data), s.cacheTTL); err != nil {
			log.WarnContext(ctx, "cache link preview failed", "url", target, "error", err)
		}
	}

	return preview, nil
}

func (s *Resolver) fetch(ctx context.Context, target string) (*Preview, error) {
	resp, err := s.httpClient.R().SetContext(ctx).Get(target)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() >= 400 {
		return nil, errors.New("link preview: upstream returned " + resp.Status())
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.String()))
	if err != nil {
		return nil, err
	}

	preview := &Preview{URL: target}

	if title, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		preview.Title = strings.TrimSpace(title)
	}
	if preview.Title == "" {
		preview.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	if image, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok {
		preview.ImageURL = resolveImageURL(target, strings.TrimSpace(image))
	}

	if preview.Title == "" && preview.ImageURL == "" {
		return nil, errors.New("link preview: no usable metadata")
	}

	return preview, nil
}

// resolveImageURL 补全相对路径的图片地址
func resolveImageURL(pageURL, imageURL string) string {
	if imageURL == "" {
		return ""
	}
	img, err := url.Parse(imageURL)
	if err != nil {
		return ""
	}
	if img.IsAbs() {
		return imageURL
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	return base.ResolveReference(img).String()
}
