package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"vizexport/internal/decoder"
	"vizexport/internal/export"
	"vizexport/internal/layer"
	"vizexport/internal/render"
	"vizexport/internal/types"

	"github.com/gorilla/websocket"
)

const (
	maxUploadSize    = 256 << 20
	defaultRetention = time.Hour
)

// Options 服务端的导出默认值
type Options struct {
	Resolution string
	FPS        int
	Backend    string
	FFmpegBin  string
	TempDir    string
	OutputDir  string
	Background string

	// Retention 结束的任务保留多久，之后不能再查询或下载
	Retention time.Duration
	// AllowedOrigins 允许连接进度推送的跨域来源，"*" 表示任意来源
	AllowedOrigins []string
}

// Server 导出任务的 HTTP 接口: 提交、查询、取消、下载以及 websocket 进度推送
type Server struct {
	opts     Options
	registry *decoder.DecoderRegistry
	assets   *render.Assets
	recorder export.Recorder
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	jobs map[string]*export.Job
}

// Option 服务选项
type Option func(*Server)

// WithRecorder 任务结束后写入历史
func WithRecorder(r export.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New 创建服务
func New(opts Options, options ...Option) *Server {
	if opts.Resolution == "" {
		opts.Resolution = "720p"
	}
	if opts.FPS <= 0 {
		opts.FPS = 60
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		registry: decoder.NewDecoderRegistry(),
		logger:   slog.New(slog.DiscardHandler),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*export.Job),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	s.assets = render.NewAssets(render.WithAssetLogger(s.logger))
	return s
}

// Handler 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/exports", s.handleCreate)
	mux.HandleFunc("GET /api/exports", s.handleList)
	mux.HandleFunc("GET /api/exports/{id}", s.handleGet)
	mux.HandleFunc("POST /api/exports/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/exports/{id}/download", s.handleDownload)
	mux.HandleFunc("GET /api/exports/{id}/events", s.handleEvents)
	return mux
}

// Shutdown 取消所有运行中的任务并等待它们结束
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prune 移除结束时间早于 now 减去保留时间的任务
func (s *Server) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, job := range s.jobs {
		if !job.Status().Terminal() {
			continue
		}
		_, finished := job.Times()
		if !finished.IsZero() && now.Sub(finished) > s.opts.Retention {
			delete(s.jobs, id)
		}
	}
}

// checkOrigin 没有 Origin 的非浏览器客户端和同源页面直接放行，其余只认白名单
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

func (s *Server) job(id string) (*export.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("解析表单失败: %w", err))
		return
	}

	asset, source, err := s.readAudio(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	project, err := s.readProject(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resolution, err := types.ParseResolution(formValue(r, "resolution", s.opts.Resolution))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	fps, err := strconv.Atoi(formValue(r, "fps", strconv.Itoa(s.opts.FPS)))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("无效的帧率: %w", err))
		return
	}

	backend, err := export.NewBackend(formValue(r, "backend", s.opts.Backend), export.BackendOptions{
		FFmpegBin: s.opts.FFmpegBin,
		TempDir:   s.opts.TempDir,
		Logger:    s.logger,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pipeline := export.NewPipeline(backend,
		render.NewCompositor(s.assets, render.WithLogger(s.logger)),
		export.WithPipelineLogger(s.logger),
		export.WithOutputDir(s.opts.OutputDir),
	)
	job, err := pipeline.Prepare(export.Request{
		Asset:      asset,
		Source:     source,
		Layers:     project.Layers,
		Background: project.BackgroundColor,
		Resolution: resolution,
		FPS:        fps,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.prune(time.Now())
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// 失败信息记录在任务上
		_ = pipeline.Run(s.ctx, job)
		if s.recorder != nil {
			if err := s.recorder.Record(context.Background(), job); err != nil {
				s.logger.Warn("写入导出历史失败", "job", job.ID, "error", err)
			}
		}
	}()

	writeJSON(w, http.StatusAccepted, job.Progress())
}

// readAudio 把上传的音频落到临时文件再按扩展名解码
func (s *Server) readAudio(r *http.Request) (*types.Asset, string, error) {
	file, header, err := r.FormFile("audio")
	if err != nil {
		return nil, "", fmt.Errorf("%w: 缺少音频文件", export.ErrNoAudio)
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if !s.registry.Supports(name) {
		return nil, "", fmt.Errorf("不支持的音频格式: %s", name)
	}

	tmp, err := os.CreateTemp(s.opts.TempDir, "upload-*"+strings.ToLower(filepath.Ext(name)))
	if err != nil {
		return nil, "", fmt.Errorf("创建临时文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		return nil, "", fmt.Errorf("保存音频失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, "", err
	}

	asset, _, err := s.registry.LoadAsset(tmp.Name())
	if err != nil {
		return nil, "", fmt.Errorf("解码失败: %w", err)
	}
	return asset, name, nil
}

// readProject 工程可以是表单字段或上传文件，都没有时使用默认工程
func (s *Server) readProject(r *http.Request) (*layer.Project, error) {
	if v := r.FormValue("project"); v != "" {
		return layer.DecodeProject(strings.NewReader(v))
	}
	if file, _, err := r.FormFile("project"); err == nil {
		defer file.Close()
		return layer.DecodeProject(file)
	}
	project, err := layer.LoadProject("")
	if err != nil {
		return nil, err
	}
	if s.opts.Background != "" {
		project.BackgroundColor = s.opts.Background
	}
	return project, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.prune(time.Now())
	s.mu.RLock()
	list := make([]*export.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		list = append(list, job)
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	out := make([]export.Progress, len(list))
	for i, job := range list {
		out[i] = job.Progress()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, types.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job.Progress())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, types.ErrNotFound)
		return
	}
	job.Cancel()
	writeJSON(w, http.StatusAccepted, job.Progress())
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, types.ErrNotFound)
		return
	}
	out, ok := job.Output()
	if !ok {
		writeError(w, http.StatusConflict, fmt.Errorf("任务状态为 %s，没有可下载的文件", job.Status()))
		return
	}
	w.Header().Set("Content-Type", out.MIME)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", out.Filename))

	// 写入输出目录的任务不在内存里保留内容
	if out.Data == nil && out.Path != "" {
		f, err := os.Open(out.Path)
		if err != nil {
			w.Header().Del("Content-Disposition")
			writeError(w, http.StatusGone, fmt.Errorf("输出文件不可用: %w", err))
			return
		}
		defer f.Close()
		_, finished := job.Times()
		http.ServeContent(w, r, out.Filename, finished, f)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(out.Size, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(out.Data)
}

// handleEvents 用 websocket 推送进度，任务结束后关闭连接
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, types.ErrNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket升级失败", "error", err)
		return
	}
	defer conn.Close()

	// 读协程只为感知客户端断开
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	updates := job.Watch()
	for {
		select {
		case p, ok := <-updates:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
				return
			}
			if err := conn.WriteJSON(p); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func formValue(r *http.Request, key, fallback string) string {
	if v := strings.TrimSpace(r.FormValue(key)); v != "" {
		return v
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if errors.Is(err, types.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
