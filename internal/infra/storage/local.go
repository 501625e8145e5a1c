package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore 把文件保存到本地目录，由 HTTP 服务以静态文件方式提供
type LocalStore struct {
	dir       string
	urlPrefix string
}

// NewLocalStore 创建本地存储，目录不存在时创建
func NewLocalStore(dir, urlPrefix string) (*LocalStore, error) {
	if dir == "" {
		dir = "./uploads"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return &LocalStore{dir: dir, urlPrefix: strings.TrimRight(urlPrefix, "/")}, nil
}

// Dir 返回存储根目录
func (s *LocalStore) Dir() string { return s.dir }

// Put 写入文件，key 中的目录层级会被保留
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	clean := filepath.Clean("/" + key)
	path := filepath.Join(s.dir, clean)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create dir for %s: %w", key, err)
	}
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file %s: %w", path, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, io.LimitReader(r, size)); err != nil {
		return "", fmt.Errorf("write file %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return s.urlPrefix + filepath.ToSlash(clean), nil
}
