package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vizexport/internal/export"
	"vizexport/internal/types"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS export_jobs (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	backend TEXT NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	fps INTEGER NOT NULL,
	total_frames INTEGER NOT NULL,
	frames_rendered INTEGER NOT NULL,
	status TEXT NOT NULL,
	message TEXT,
	error TEXT,
	output_path TEXT,
	started_at INTEGER,
	finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_export_jobs_finished ON export_jobs(finished_at);
`

// Entry 一条导出记录
type Entry struct {
	ID             string        `json:"id"`
	Source         string        `json:"source"`
	Backend        string        `json:"backend"`
	Width          int           `json:"width"`
	Height         int           `json:"height"`
	FPS            int           `json:"fps"`
	TotalFrames    int           `json:"totalFrames"`
	FramesRendered int           `json:"framesRendered"`
	Status         export.Status `json:"status"`
	Message        string        `json:"message,omitempty"`
	Error          string        `json:"error,omitempty"`
	OutputPath     string        `json:"outputPath,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	FinishedAt     time.Time     `json:"finishedAt"`
}

// Store sqlite 保存的导出历史
type Store struct {
	db *sql.DB
}

// Open 打开或创建历史数据库
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建数据表失败: %w", err)
	}
	return &Store{db: db}, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// Record 写入或更新一个任务的记录
func (s *Store) Record(ctx context.Context, job *export.Job) error {
	p := job.Progress()
	started, finished := job.Times()
	var outputPath string
	if out, ok := job.Output(); ok {
		outputPath = out.Path
		if outputPath == "" {
			outputPath = out.Filename
		}
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO export_jobs (id, source, backend, width, height, fps, total_frames, frames_rendered,
		status, message, error, output_path, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		frames_rendered = excluded.frames_rendered,
		status = excluded.status,
		message = excluded.message,
		error = excluded.error,
		output_path = excluded.output_path,
		started_at = excluded.started_at,
		finished_at = excluded.finished_at`,
		job.ID, job.Source, job.Backend, job.Settings.Width, job.Settings.Height, job.Settings.FPS,
		job.TotalFrames, p.FramesRendered, string(p.Status), p.Message, p.Error, outputPath,
		unixMilli(started), unixMilli(finished))
	if err != nil {
		return fmt.Errorf("写入导出记录失败: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, source, backend, width, height, fps, total_frames, frames_rendered,
	status, message, error, output_path, started_at, finished_at FROM export_jobs`

// List 按结束时间倒序返回最近的记录
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY finished_at DESC, started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询导出记录失败: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get 按任务 ID 查询
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("导出记录 %s: %w", id, types.ErrNotFound)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e                       Entry
		status                  string
		message, errMsg, output sql.NullString
		startedAt, finishedAt   sql.NullInt64
	)
	err := sc.Scan(&e.ID, &e.Source, &e.Backend, &e.Width, &e.Height, &e.FPS, &e.TotalFrames,
		&e.FramesRendered, &status, &message, &errMsg, &output, &startedAt, &finishedAt)
	if err != nil {
		return Entry{}, err
	}
	e.Status = export.Status(status)
	e.Message = message.String
	e.Error = errMsg.String
	e.OutputPath = output.String
	e.StartedAt = fromUnixMilli(startedAt)
	e.FinishedAt = fromUnixMilli(finishedAt)
	return e, nil
}

func unixMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromUnixMilli(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
