// Package keystore resolves the token signing key at startup from a
// durable source.
package keystore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/hwidauth/internal/common"
	"github.com/dmitrijs2005/hwidauth/internal/logging"
	"github.com/dmitrijs2005/hwidauth/internal/server/auth"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	getObject = func(c *s3.Client, ctx context.Context, in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
		return c.GetObject(ctx, in)
	}
)

// maxKeyObjectBytes caps how much of a key file or object is read.
const maxKeyObjectBytes = 4096

// ErrNoKey is returned when no source is configured and ephemeral keys are
// not allowed.
var ErrNoKey = errors.New("no signing key configured")

// Origin tells where a key was loaded from.
type Origin string

const (
	OriginLiteral   Origin = "literal"
	OriginFile      Origin = "file"
	OriginS3        Origin = "s3"
	OriginEphemeral Origin = "ephemeral"
)

// Source lists the candidate key locations, tried in field order.
// All stored forms are hex text.
type Source struct {
	HexKey string
	File   string

	S3Bucket       string
	S3Object       string
	S3Region       string
	S3BaseEndpoint string
	S3AccessKey    string
	S3SecretKey    string

	AllowEphemeral bool
}

// Load returns the first key found in src.
func Load(ctx context.Context, src Source, log logging.Logger) ([]byte, Origin, error) {
	switch {
	case src.HexKey != "":
		key, err := DecodeHex(src.HexKey)
		return key, OriginLiteral, err

	case src.File != "":
		raw, err := readLimited(func() (io.ReadCloser, error) { return os.Open(src.File) })
		if err != nil {
			return nil, OriginFile, fmt.Errorf("read key file: %w", err)
		}
		key, err := DecodeHex(string(raw))
		return key, OriginFile, err

	case src.S3Bucket != "" && src.S3Object != "":
		raw, err := fetchS3(ctx, src)
		if err != nil {
			return nil, OriginS3, fmt.Errorf("fetch key object: %w", err)
		}
		key, err := DecodeHex(string(raw))
		return key, OriginS3, err

	case src.AllowEphemeral:
		log.Warn(ctx, "using ephemeral signing key, tokens will not survive a restart")
		return common.GenerateRandByteArray(auth.MinKeyBytes), OriginEphemeral, nil
	}
	return nil, "", ErrNoKey
}

// DecodeHex parses a hex key, ignoring surrounding whitespace, and enforces
// the minimum key length.
func DecodeHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(key) < auth.MinKeyBytes {
		return nil, fmt.Errorf("signing key is %d bytes, need at least %d", len(key), auth.MinKeyBytes)
	}
	return key, nil
}

func fetchS3(ctx context.Context, src Source) ([]byte, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(src.S3Region)}
	if src.S3AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(src.S3AccessKey, src.S3SecretKey, "")))
	}
	cfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if src.S3BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(src.S3BaseEndpoint)
			o.UsePathStyle = true
		}
	})

	return readLimited(func() (io.ReadCloser, error) {
		out, err := getObject(client, ctx, &s3.GetObjectInput{
			Bucket: aws.String(src.S3Bucket),
			Key:    aws.String(src.S3Object),
		})
		if err != nil {
			return nil, err
		}
		return out.Body, nil
	})
}

func readLimited(open func() (io.ReadCloser, error)) ([]byte, error) {
	rc, err := open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxKeyObjectBytes))
}
