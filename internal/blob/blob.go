package blob

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
)

// Store 抽象媒体对象存储：写入字节流，返回稳定可访问的 URL。
type Store interface {
	Upload(ctx context.Context, r io.Reader, folder, ext string) (string, error)
}

// DiskStore 把文件落在本地目录，由路由以 /media 前缀静态提供。
type DiskStore struct {
	Dir     string
	BaseURL string
}

func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{Dir: dir, BaseURL: "/media"}
}

func (s *DiskStore) Upload(ctx context.Context, r io.Reader, folder, ext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(s.Dir, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	name := hex.EncodeToString(b) + ext
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return path.Join(s.BaseURL, folder, name), nil
}
