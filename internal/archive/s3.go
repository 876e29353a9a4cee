// Package archive keeps a copy of every newly synced message in S3-compatible storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/assist-mailsync/internal/models"
)

type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes raw sources to mailboxes/<mailbox id>/<message id>.eml.
// Messages whose provider gave no raw source are stored as JSON.
type S3 struct {
	client putter
	bucket string
	log    logrus.FieldLogger
}

func New(ctx context.Context, cfg Config, log logrus.FieldLogger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: archive bucket is required", models.ErrValidation)
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3(client, cfg.Bucket, log), nil
}

func newS3(client putter, bucket string, log logrus.FieldLogger) *S3 {
	return &S3{client: client, bucket: bucket, log: log}
}

// Key returns the object key for a message
func Key(mailboxID string, msg *models.Message, raw bool) string {
	ext := ".json"
	if raw {
		ext = ".eml"
	}
	return path.Join("mailboxes", mailboxID, msg.ID+ext)
}

func (a *S3) Archive(ctx context.Context, mailboxID string, msg *models.Message, raw []byte) error {
	body := raw
	contentType := "message/rfc822"
	if len(raw) == 0 {
		var err error
		body, err = json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		contentType = "application/json"
	}

	key := Key(mailboxID, msg, len(raw) > 0)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"mailbox-id": mailboxID,
			"message-id": msg.MessageID,
		},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			a.log.WithFields(logrus.Fields{
				"bucket": a.bucket,
				"key":    key,
				"code":   apiErr.ErrorCode(),
			}).Warn(apiErr.ErrorMessage())
		}
		return fmt.Errorf("failed to archive %s: %w", key, err)
	}
	return nil
}
