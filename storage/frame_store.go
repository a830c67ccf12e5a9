package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/tencentyun/cos-go-sdk-v5"

	"lectureIndex/utils"
)

// LocalFrameStore 将帧图片写入本地目录
type LocalFrameStore struct {
	root   string
	client *http.Client
}

func NewLocalFrameStore(root string) (*LocalFrameStore, error) {
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}
	return &LocalFrameStore{root: root, client: http.DefaultClient}, nil
}

func (s *LocalFrameStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write frame %s: %w", key, err)
	}
	return path, nil
}

// Get reads a local path; http(s) paths are fetched so rows written by another store still resolve.
func (s *LocalFrameStore) Get(ctx context.Context, path string) ([]byte, error) {
	return utils.FetchBytes(ctx, s.client, path)
}

const cosPutRetries = 3

// COSFrameStore 腾讯云COS帧图片存储
type COSFrameStore struct {
	client    *cos.Client
	bucketURL *url.URL
	http      *http.Client
}

func NewCOSFrameStore(bucketURL, secretID, secretKey string) (*COSFrameStore, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("parse cos bucket url: %w", err)
	}
	client := cos.NewClient(&cos.BaseURL{BucketURL: u}, &http.Client{
		Transport: &cos.AuthorizationTransport{
			SecretID:  secretID,
			SecretKey: secretKey,
		},
	})
	return &COSFrameStore{client: client, bucketURL: u, http: http.DefaultClient}, nil
}

func (s *COSFrameStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{
			ContentType: contentType,
		},
	}
	var err error
	for retry := 0; retry < cosPutRetries; retry++ {
		if _, err = s.client.Object.Put(ctx, key, bytes.NewReader(data), opt); err == nil {
			return s.objectURL(key), nil
		}
	}
	return "", fmt.Errorf("put %s to cos: %w", key, err)
}

// Get downloads objects of this bucket through the signed client and anything else over plain http.
func (s *COSFrameStore) Get(ctx context.Context, path string) ([]byte, error) {
	prefix := strings.TrimSuffix(s.bucketURL.String(), "/") + "/"
	if !strings.HasPrefix(path, prefix) {
		return utils.FetchBytes(ctx, s.http, path)
	}
	resp, err := s.client.Object.Get(ctx, strings.TrimPrefix(path, prefix), nil)
	if err != nil {
		return nil, fmt.Errorf("get %s from cos: %w", path, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *COSFrameStore) objectURL(key string) string {
	return strings.TrimSuffix(s.bucketURL.String(), "/") + "/" + key
}
