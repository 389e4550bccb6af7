// Copyright 2026, Square, Inc.

// Package archive copies the result files of expired jobs to an object store
// before their local trees are removed. Archived results are served from the
// object store instead of the server.
package archive

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"github.com/square/uws/config"
)

// An Archiver stores one result file of a job and returns its public URL.
type Archiver interface {
	Put(ctx context.Context, jobId, name, file, contentType string) (string, error)
}

// A Putter uploads an object. *minio.Client implements it.
type Putter interface {
	FPutObject(ctx context.Context, bucket, object, file string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type s3 struct {
	client    Putter
	bucket    string
	urlPrefix string
}

// New returns an Archiver using client to upload to bucket. Objects are keyed
// <jobid>/<name> and their URLs are <urlPrefix>/<jobid>/<name>.
func New(client Putter, bucket, urlPrefix string) Archiver {
	return &s3{
		client:    client,
		bucket:    bucket,
		urlPrefix: strings.TrimSuffix(urlPrefix, "/"),
	}
}

// NewFromConfig connects to the configured S3-compatible endpoint and makes
// the bucket if it does not exist. It returns nil, nil if archiving is
// disabled.
func NewFromConfig(ctx context.Context, cfg config.Archive) (Archiver, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "s3":
	default:
		return nil, fmt.Errorf("invalid archive.type: %s (expected s3 or empty)", cfg.Type)
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("archive.endpoint and archive.bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio.New: %s", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %s", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("making bucket %s: %s", cfg.Bucket, err)
		}
		log.Infof("created archive bucket %s", cfg.Bucket)
	}
	prefix := cfg.URLPrefix
	if prefix == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		prefix = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	return New(client, cfg.Bucket, prefix), nil
}

func (a *s3) Put(ctx context.Context, jobId, name, file, contentType string) (string, error) {
	if _, err := os.Stat(file); err != nil {
		return "", err
	}
	key := jobId + "/" + name
	_, err := a.client.FPutObject(ctx, a.bucket, key, file, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %s", key, err)
	}
	return a.urlPrefix + "/" + key, nil
}
