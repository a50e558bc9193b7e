package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cmlconsolepro/cmlconsolepro/internal/config"
	"github.com/cmlconsolepro/cmlconsolepro/pkg/logger"
)

// StorageWriter 转录归档写入器
type StorageWriter interface {
	Write(ctx context.Context, meta StorageMeta, content string) (StoredObject, error)
}

// StorageMeta 归档元数据
type StorageMeta struct {
	Lab         string
	Node        string
	TaskID      string
	CommandSlug string
}

// StoredObject 已写入对象的信息
type StoredObject struct {
	URI      string `json:"uri"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// NewStorageWriter 根据配置创建写入器（本地或 MinIO，MinIO 失败回退本地）
func NewStorageWriter(cfg *config.Config) StorageWriter {
	dw := &DelegatingStorageWriter{cfg: cfg, local: &LocalStorageWriter{cfg: cfg}}
	if strings.EqualFold(cfg.Storage.Backend, "minio") {
		dw.minio = initMinioWriter(cfg)
	}
	return dw
}

// DelegatingStorageWriter 按配置后端路由写入
type DelegatingStorageWriter struct {
	cfg   *config.Config
	local *LocalStorageWriter
	minio *MinioStorageWriter
}

func (w *DelegatingStorageWriter) Write(ctx context.Context, meta StorageMeta, content string) (StoredObject, error) {
	if strings.EqualFold(w.cfg.Storage.Backend, "minio") {
		if w.minio == nil {
			logger.Warn("MinIO backend selected but client not initialized, falling back to local")
			return w.local.Write(ctx, meta, content)
		}
		obj, err := w.minio.Write(ctx, meta, content)
		if err != nil {
			logger.Warnf("MinIO write failed, falling back to local: %v", err)
			return w.local.Write(ctx, meta, content)
		}
		return obj, nil
	}
	return w.local.Write(ctx, meta, content)
}

// archivePath 统一的归档层级：prefix / lab / node / date_time / taskID
func archivePath(prefix string, meta StorageMeta) []string {
	parts := []string{}
	if p := strings.TrimSpace(prefix); p != "" {
		parts = append(parts, p)
	}
	if strings.TrimSpace(meta.Lab) != "" {
		parts = append(parts, slug(meta.Lab))
	}
	parts = append(parts, slug(meta.Node))
	parts = append(parts, time.Now().Format("20060102_150405"))
	if tid := strings.TrimSpace(meta.TaskID); tid != "" {
		parts = append(parts, tid)
	}
	return parts
}

func archiveFilename(meta StorageMeta) string {
	base := slug(meta.CommandSlug)
	if !strings.Contains(base, ".") {
		base += ".txt"
	}
	return base
}

// LocalStorageWriter 本地文件写入
type LocalStorageWriter struct {
	cfg *config.Config
}

func (w *LocalStorageWriter) Write(ctx context.Context, meta StorageMeta, content string) (StoredObject, error) {
	baseDir := strings.TrimSpace(w.cfg.Storage.Local.BaseDir)
	if baseDir == "" {
		baseDir = "./data/transcripts"
	}
	parts := append([]string{baseDir}, archivePath(w.cfg.Storage.Prefix, meta)...)
	dirPath := filepath.Join(parts...)

	if w.cfg.Storage.Local.MkdirIfMissing {
		if err := os.MkdirAll(dirPath, 0o755); err != nil {
			return StoredObject{}, fmt.Errorf("failed to create dir: %w", err)
		}
	}

	data := []byte(dropPagerLines(content))
	fullPath := filepath.Join(dirPath, archiveFilename(meta))
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return StoredObject{}, fmt.Errorf("failed to write file: %w", err)
	}

	sum := sha256.Sum256(data)
	return StoredObject{
		URI:      "file://" + fullPath,
		Size:     int64(len(data)),
		Checksum: "sha256:" + hex.EncodeToString(sum[:]),
	}, nil
}

// MinioStorageWriter MinIO 对象存储写入
type MinioStorageWriter struct {
	cfg           *config.Config
	client        *minio.Client
	endpoint      string
	bucketEnsured bool
}

// initMinioWriter 初始化 MinIO 写入器，含连通性与 bucket 校验
func initMinioWriter(cfg *config.Config) *MinioStorageWriter {
	host := strings.TrimSpace(cfg.Storage.Minio.Host)
	port := cfg.Storage.Minio.Port
	if host == "" || port <= 0 {
		logger.Warn("MinIO configuration incomplete, host/port missing")
		return nil
	}
	endpoint := fmt.Sprintf("%s:%d", host, port)

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.Storage.Minio.AccessKey, cfg.Storage.Minio.SecretKey, ""),
		Secure:    cfg.Storage.Minio.Secure,
		Transport: transport,
	})
	if err != nil {
		logger.Errorf("MinIO client initialization failed: %v", err)
		return nil
	}

	w := &MinioStorageWriter{cfg: cfg, client: client, endpoint: endpoint}

	bucket := strings.TrimSpace(cfg.Storage.Minio.Bucket)
	if bucket == "" {
		logger.Warn("MinIO bucket not configured")
		return w
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.ensureBucket(ctx, bucket); err != nil {
		logger.Warnf("MinIO bucket ensure at init failed: %v", err)
	} else {
		w.bucketEnsured = true
	}
	return w
}

func (w *MinioStorageWriter) Write(ctx context.Context, meta StorageMeta, content string) (StoredObject, error) {
	if w == nil || w.client == nil {
		return StoredObject{}, fmt.Errorf("minio client not initialized")
	}
	bucket := strings.TrimSpace(w.cfg.Storage.Minio.Bucket)
	if bucket == "" {
		return StoredObject{}, fmt.Errorf("minio bucket not configured")
	}

	if err := w.fastConnectivityCheck(ctx); err != nil {
		return StoredObject{}, fmt.Errorf("minio connectivity failed to %s: %w", w.endpoint, err)
	}
	if !w.bucketEnsured {
		if err := w.ensureBucket(ctx, bucket); err != nil {
			return StoredObject{}, fmt.Errorf("minio ensure bucket failed: %w", err)
		}
		w.bucketEnsured = true
	}

	data := []byte(dropPagerLines(content))
	objectName := path.Join(path.Join(archivePath(w.cfg.Storage.Prefix, meta)...), archiveFilename(meta))

	// 带退避的对象写入
	var lastErr error
	for _, backoff := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		_, err := w.client.PutObject(ctx, bucket, objectName, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		time.Sleep(backoff)
	}
	if lastErr != nil {
		return StoredObject{}, fmt.Errorf("minio put object failed after retries: %w", lastErr)
	}

	sum := sha256.Sum256(data)
	return StoredObject{
		URI:      "minio://" + path.Join(bucket, objectName),
		Size:     int64(len(data)),
		Checksum: "sha256:" + hex.EncodeToString(sum[:]),
	}, nil
}

// fastConnectivityCheck 使用 TCP 直连做快速连通性校验
func (w *MinioStorageWriter) fastConnectivityCheck(parent context.Context) error {
	d := &net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(parent, "tcp", w.endpoint)
	if err != nil {
		return err
	}
	_ = conn.Close()
	return nil
}

// ensureBucket 校验并创建 bucket
func (w *MinioStorageWriter) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := w.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return w.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

// dropPagerLines 移除归档文本中残留的分页提示行
func dropPagerLines(s string) string {
	if s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		cmp := strings.ToLower(strings.TrimSpace(ln))
		if strings.Contains(cmp, "--more--") || strings.Contains(cmp, "<--- more --->") {
			continue
		}
		out = append(out, ln)
	}
	return strings.Join(out, "\n")
}

var slugRe = regexp.MustCompile(`[^a-z0-9._-]+`)

func slug(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = slugRe.ReplaceAllString(s, "")
	if s == "" {
		s = "unknown"
	}
	return s
}
