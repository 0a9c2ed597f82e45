package keys

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	mclient "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/opencarrental/identity/internal/config"
)

// Source — расположение хранилища ключа.
type Source interface {
	// Read возвращает сырое содержимое хранилища (PEM или PKCS#12).
	Read(ctx context.Context) ([]byte, error)
	// String описывает источник для логов (без секретов).
	String() string
}

// Load читает и разбирает хранилище. Любая ошибка оборачивается в
// ErrKeyStoreUnavailable.
func Load(ctx context.Context, src Source, passphrase, kid string) (*KeyPair, error) {
	const op = "keys.Load"

	data, err := src.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s: %w", op, ErrKeyStoreUnavailable, src, err)
	}

	kp, err := Parse(data, passphrase, kid)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s: %w", op, ErrKeyStoreUnavailable, src, err)
	}

	return kp, nil
}

// LoadFromConfig выбирает источник по cfg.KeyStore.Location и загружает ключ.
func LoadFromConfig(ctx context.Context, cfg *config.Config) (*KeyPair, error) {
	const op = "keys.LoadFromConfig"

	if cfg.KeyStore.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.KeyStore.LoadTimeout)
		defer cancel()
	}

	src, err := SourceFromConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrKeyStoreUnavailable, err)
	}

	return Load(ctx, src, cfg.KeyStore.Passphrase, cfg.KeyStore.KeyID)
}

// SourceFromConfig разбирает location:
//   - "/path", "file:///path" — локальный файл;
//   - "s3://bucket/object" — объект MinIO/S3 (cfg.S3);
//   - "secretsmanager://secret-id" — секрет AWS Secrets Manager (cfg.AWS).
func SourceFromConfig(ctx context.Context, cfg *config.Config) (Source, error) {
	const op = "keys.SourceFromConfig"

	loc := strings.TrimSpace(cfg.KeyStore.Location)
	if loc == "" {
		return nil, fmt.Errorf("%s: empty key store location", op)
	}

	scheme, rest, found := strings.Cut(loc, "://")
	if !found {
		return FileSource{Path: loc}, nil
	}

	switch scheme {
	case "file":
		return FileSource{Path: rest}, nil
	case "s3":
		bucket, object, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || object == "" {
			return nil, fmt.Errorf("%s: bad s3 location %q", op, loc)
		}

		src, err := NewObjectSource(ctx, cfg.S3, bucket, object)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		return src, nil
	case "secretsmanager":
		if rest == "" {
			return nil, fmt.Errorf("%s: bad secretsmanager location %q", op, loc)
		}

		awsCfg, err := loadAWSConfig(ctx, cfg.AWS.Region)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		return SecretSource{API: secretsmanager.NewFromConfig(awsCfg), SecretID: rest}, nil
	default:
		return nil, fmt.Errorf("%s: unsupported key store scheme %q", op, scheme)
	}
}

// FileSource — хранилище в локальном файле.
type FileSource struct {
	Path string
}

func (s FileSource) Read(_ context.Context) ([]byte, error) {
	return os.ReadFile(s.Path)
}

func (s FileSource) String() string { return "file:" + s.Path }

// ObjectSource — хранилище в бакете MinIO/S3.
type ObjectSource struct {
	client *mclient.Client
	bucket string
	object string
}

// NewObjectSource создаёт клиент MinIO: нормализует endpoint (схема задаёт
// Secure) и проверяет наличие бакета.
func NewObjectSource(ctx context.Context, cfg config.S3Config, bucket, object string) (*ObjectSource, error) {
	const op = "keys.NewObjectSource"

	endpoint := cfg.Endpoint
	secure := strings.HasPrefix(endpoint, "https://")

	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" {
		endpoint = u.Host
		secure = u.Scheme == "https"
	}

	client, err := mclient.New(endpoint, &mclient.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !exists {
		return nil, fmt.Errorf("%s: bucket %q does not exist", op, bucket)
	}

	return &ObjectSource{client: client, bucket: bucket, object: object}, nil
}

func (s *ObjectSource) Read(ctx context.Context) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.object, mclient.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	return io.ReadAll(obj)
}

func (s *ObjectSource) String() string { return "s3:" + s.bucket + "/" + s.object }

// SecretValueAPI — часть клиента Secrets Manager, нужная SecretSource.
type SecretValueAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretSource — хранилище в AWS Secrets Manager.
// SecretBinary отдаётся как есть; SecretString — как PEM, если он начинается
// с "-----BEGIN", иначе декодируется из base64 (PKCS#12).
type SecretSource struct {
	API      SecretValueAPI
	SecretID string
}

func (s SecretSource) Read(ctx context.Context) ([]byte, error) {
	out, err := s.API.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.SecretID),
	})
	if err != nil {
		return nil, err
	}

	switch {
	case len(out.SecretBinary) > 0:
		return out.SecretBinary, nil
	case out.SecretString != nil:
		str := strings.TrimSpace(*out.SecretString)
		if strings.HasPrefix(str, "-----BEGIN") {
			return []byte(str), nil
		}

		return base64.StdEncoding.DecodeString(str)
	default:
		return nil, errors.New("secret has no payload")
	}
}

func (s SecretSource) String() string { return "secretsmanager:" + s.SecretID }

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	if region != "" {
		return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}

	return awsconfig.LoadDefaultConfig(ctx)
}
