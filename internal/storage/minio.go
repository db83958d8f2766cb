package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"email-intake-go/internal/config"
	"email-intake-go/internal/logger"
	"email-intake-go/internal/tracing"
)

var minioTracer = otel.Tracer("email-intake-go/storage/minio")

// ArchivalStore 归档存储接口：追加式对象存储，键由构造保证唯一
type ArchivalStore interface {
	// ArchiveAttachment 写入附件原始字节并返回稳定的定位符
	ArchiveAttachment(ctx context.Context, messageID, filename string, data []byte) (string, error)

	// FetchArchivedObject 按对象名取回归档字节
	FetchArchivedObject(ctx context.Context, objectName string) ([]byte, error)
}

// 确保MinIO实现了ArchivalStore接口
var _ ArchivalStore = (*MinIO)(nil)

// MinIO 提供简历附件的对象归档功能
type MinIO struct {
	client *minio.Client
	cfg    *config.MinIOConfig
	bucket string
}

// NewMinIO 创建MinIO客户端并确保归档存储桶存在
func NewMinIO(cfg *config.MinIOConfig) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	m := &MinIO{
		client: client,
		cfg:    cfg,
		bucket: cfg.ArchiveBucket,
	}

	if err := m.ensureBucketExists(context.Background(), m.bucket, cfg.Location); err != nil {
		return nil, fmt.Errorf("确保归档存储桶 %s 存在失败: %w", m.bucket, err)
	}

	logger.Info().
		Str("endpoint", cfg.Endpoint).
		Str("bucket", m.bucket).
		Msg("MinIO归档客户端初始化成功")
	return m, nil
}

// ensureBucketExists 确保存储桶存在，不存在则创建
func (m *MinIO) ensureBucketExists(ctx context.Context, bucketName, location string) error {
	exists, err := m.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: location}); err != nil {
			return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
		}
		logger.Info().Str("bucket", bucketName).Msg("归档存储桶已创建")
	}
	return nil
}

// ArchiveKey 构造归档对象键：{internetMessageId}_{UTC时间戳yyyyMMddHHmmss}_{原始文件名}
// 时间戳保证同一邮件重复投递、同名附件各得一个独立对象
func ArchiveKey(messageID, filename string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s", messageID, now.UTC().Format("20060102150405"), filename)
}

// ArchiveAttachment 写入解码后的附件字节，返回可解引用的定位符
// 存储不可达或写入失败时错误原样上抛，不做本地吞没
func (m *MinIO) ArchiveAttachment(ctx context.Context, messageID, filename string, data []byte) (string, error) {
	objectName := ArchiveKey(messageID, filename, time.Now())

	ctx, span := minioTracer.Start(ctx, "minio.ArchiveAttachment",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("object.bucket", m.bucket),
			attribute.String("object.key", objectName),
			attribute.Int("object.size", len(data)),
		),
	)
	defer span.End()

	_, err := m.client.PutObject(ctx, m.bucket, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/pdf"},
	)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStore)
		return "", fmt.Errorf("归档附件到存储桶 %s 失败: %w", m.bucket, err)
	}

	locator := fmt.Sprintf("%s/%s/%s", m.client.EndpointURL().String(), m.bucket, objectName)
	return locator, nil
}

// FetchArchivedObject 下载归档对象的完整字节
func (m *MinIO) FetchArchivedObject(ctx context.Context, objectName string) ([]byte, error) {
	ctx, span := minioTracer.Start(ctx, "minio.FetchArchivedObject",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("object.bucket", m.bucket),
			attribute.String("object.key", objectName),
		),
	)
	defer span.End()

	obj, err := m.client.GetObject(ctx, m.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStore)
		return nil, fmt.Errorf("获取归档对象 %s 失败: %w", objectName, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStore)
		return nil, fmt.Errorf("读取归档对象 %s 失败: %w", objectName, err)
	}
	return data, nil
}
