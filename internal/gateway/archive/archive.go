// Package archive captures session transcripts to object storage before a
// sandbox is paused or terminated. Archiving is strictly best-effort: the
// lifecycle flows that call it never fail on an archive error.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"github.com/boxgate/boxgate/internal/gateway/agentapi"
	"github.com/boxgate/boxgate/internal/gateway/config"
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("archive: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("archive: init zstd decoder: %v", err))
	}
}

// Compress zstd-compresses data.
func Compress(data []byte) []byte {
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	return decoder.DecodeAll(data, nil)
}

// ObjectPutter is the slice of the S3 API the archiver needs; satisfied by
// *s3.Client.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes compressed transcripts to a bucket. A nil *Archiver is a
// valid disabled archiver.
type Archiver struct {
	putter ObjectPutter
	bucket string
	log    *slog.Logger
}

// New builds an Archiver from configuration, or nil when archiving is not
// configured. A custom endpoint switches to path-style addressing for
// S3-compatible stores.
func New(ctx context.Context, cfg config.ArchiveConfig, log *slog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithPutter(client, cfg.Bucket, log), nil
}

// NewWithPutter wires an Archiver to an explicit putter. Used by tests and
// by platforms that bring their own client.
func NewWithPutter(putter ObjectPutter, bucket string, log *slog.Logger) *Archiver {
	return &Archiver{putter: putter, bucket: bucket, log: log}
}

// Enabled reports whether archives will actually be written.
func (a *Archiver) Enabled() bool {
	return a != nil && a.putter != nil && a.bucket != ""
}

// ArchiveTranscript stores one compressed transcript and returns its object
// key. Disabled archivers return an empty key and no error.
func (a *Archiver) ArchiveTranscript(ctx context.Context, orgID, sessionID string, transcript []agentapi.MessageWithParts) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	raw, err := json.Marshal(transcript)
	if err != nil {
		return "", fmt.Errorf("archive: encode transcript for %s: %w", sessionID, err)
	}
	key := fmt.Sprintf("transcripts/%s/%s/%d.json.zst", orgID, sessionID, time.Now().Unix())
	compressed := Compress(raw)

	_, err = a.putter.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(compressed),
		ContentType: aws.String("application/zstd"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: put transcript %s: %w", key, err)
	}
	a.log.Debug("archived transcript", "session_id", sessionID, "key", key,
		"messages", len(transcript), "bytes", len(compressed))
	return key, nil
}
