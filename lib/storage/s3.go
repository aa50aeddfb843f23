// Copyright (C) The slurmbridge Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/escience-bridge/slurmbridge/lib/config"
	"github.com/sirupsen/logrus"
)

const s3uploaderConcurrency = 4

type s3Backend struct {
	svc      *s3.Client
	bucket   string
	prefix   string
	partSize int64
}

func newS3Backend(ctx context.Context, cfg config.StorageConfig, logger logrus.FieldLogger) (*s3Backend, error) {
	params := cfg.S3
	if params.Bucket == "" {
		return nil, errors.New("Storage.S3.Bucket is required")
	}
	awscfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(params.Region),
		func(o *awsconfig.LoadOptions) error {
			if params.AccessKeyID == "" && params.SecretAccessKey == "" {
				// default sdk behavior (env, shared
				// config, IMDS)
				return nil
			}
			logger.Debug("using static credentials")
			o.Credentials = credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID:     params.AccessKeyID,
					SecretAccessKey: params.SecretAccessKey,
					Source:          "slurmbridge configuration",
				},
			}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error loading aws client config: %w", err)
	}
	partSize := params.UploadPartSize
	if partSize < manager.MinUploadPartSize {
		partSize = manager.MinUploadPartSize
	}
	return &s3Backend{
		svc: s3.NewFromConfig(awscfg, func(o *s3.Options) {
			if params.Endpoint != "" {
				o.BaseEndpoint = aws.String(params.Endpoint)
			}
			o.UsePathStyle = params.UsePathStyle
		}),
		bucket:   params.Bucket,
		prefix:   params.Prefix,
		partSize: partSize,
	}, nil
}

// key maps "/alice/x" to "{prefix}alice/x".
func (be *s3Backend) key(p string) string {
	return be.prefix + strings.TrimPrefix(p, "/")
}

func (be *s3Backend) translateError(p string, err error) error {
	var aerr smithy.APIError
	if errors.As(err, &aerr) {
		switch aerr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%s: %w", p, ErrNotExist)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%s: %w", p, ErrAccessDenied)
		}
	}
	return err
}

func (be *s3Backend) stat(ctx context.Context, p string) (ObjectInfo, error) {
	res, err := be.svc.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(be.bucket),
		Key:    aws.String(be.key(p)),
	})
	if err != nil {
		return ObjectInfo{}, be.translateError(p, err)
	}
	return ObjectInfo{
		Path:    p,
		Size:    aws.ToInt64(res.ContentLength),
		ModTime: aws.ToTime(res.LastModified),
	}, nil
}

func (be *s3Backend) open(ctx context.Context, p string) (io.ReadCloser, error) {
	res, err := be.svc.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(be.bucket),
		Key:    aws.String(be.key(p)),
	})
	if err != nil {
		return nil, be.translateError(p, err)
	}
	return res.Body, nil
}

func (be *s3Backend) write(ctx context.Context, p string, r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	uploader := manager.NewUploader(be.svc, func(u *manager.Uploader) {
		u.PartSize = be.partSize
		u.Concurrency = s3uploaderConcurrency
	})
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(be.bucket),
		Key:    aws.String(be.key(p)),
		Body:   cr,
	})
	if err != nil {
		return cr.n, be.translateError(p, err)
	}
	return cr.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}
