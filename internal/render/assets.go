package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"vizexport/internal/layer"

	"github.com/gogpu/gg"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrAssetPending 图片仍在加载中
var ErrAssetPending = errors.New("图片尚未加载完成")

type assetEntry struct {
	done chan struct{}
	img  *gg.ImageBuf
	err  error
}

// Assets 图片资源缓存。Get 不阻塞，首次访问时在后台开始加载；
// 导出前用 Preload 等待全部加载完成，保证每一帧看到的状态一致。
type Assets struct {
	mu      sync.Mutex
	entries map[string]*assetEntry
	client  *http.Client
	logger  *slog.Logger
}

// AssetOption 资源缓存选项
type AssetOption func(*Assets)

// WithHTTPClient 设置下载远程图片使用的客户端
func WithHTTPClient(c *http.Client) AssetOption {
	return func(a *Assets) { a.client = c }
}

// WithAssetLogger 设置日志
func WithAssetLogger(l *slog.Logger) AssetOption {
	return func(a *Assets) { a.logger = l }
}

// NewAssets 创建资源缓存
func NewAssets(opts ...AssetOption) *Assets {
	a := &Assets{
		entries: make(map[string]*assetEntry),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Store 直接放入已解码的图片
func (a *Assets) Store(url string, img image.Image) {
	e := &assetEntry{done: make(chan struct{}), img: gg.ImageBufFromImage(img)}
	close(e.done)
	a.mu.Lock()
	a.entries[url] = e
	a.mu.Unlock()
}

// Get 返回已加载的图片。加载中返回 ErrAssetPending，加载失败返回具体错误。
func (a *Assets) Get(url string) (*gg.ImageBuf, error) {
	e := a.entry(url)
	select {
	case <-e.done:
		return e.img, e.err
	default:
		return nil, ErrAssetPending
	}
}

// Preload 开始加载并等待所有图片结束（成功或失败），只在 ctx 取消时返回错误
func (a *Assets) Preload(ctx context.Context, urls ...string) error {
	for _, url := range urls {
		if url == "" {
			continue
		}
		e := a.entry(url)
		select {
		case <-e.done:
			if e.err != nil {
				a.logger.Warn("图片加载失败", "url", url, "error", e.err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (a *Assets) entry(url string) *assetEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[url]; ok {
		return e
	}
	e := &assetEntry{done: make(chan struct{})}
	a.entries[url] = e
	go a.load(url, e)
	return e
}

func (a *Assets) load(url string, e *assetEntry) {
	defer close(e.done)

	rc, err := a.open(url)
	if err != nil {
		e.err = err
		return
	}
	defer rc.Close()

	img, format, err := image.Decode(rc)
	if err != nil {
		e.err = fmt.Errorf("解码图片失败 %s: %w", url, err)
		return
	}
	e.img = gg.ImageBufFromImage(img)
	a.logger.Debug("图片已加载", "url", url, "format", format,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())
}

func (a *Assets) open(url string) (io.ReadCloser, error) {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		resp, err := a.client.Get(url)
		if err != nil {
			return nil, fmt.Errorf("下载图片失败: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("下载图片失败 %s: %s", url, resp.Status)
		}
		return resp.Body, nil
	}

	f, err := os.Open(strings.TrimPrefix(url, "file://"))
	if err != nil {
		return nil, fmt.Errorf("打开图片失败: %w", err)
	}
	return f, nil
}

// ImageURLs 收集图层引用的所有图片地址（去重）
func ImageURLs(layers []layer.Layer) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, l := range layers {
		p := l.Properties
		for _, u := range []string{p.ImageURL, p.LowImageURL, p.HighImageURL} {
			if u != "" && !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
	}
	return urls
}
