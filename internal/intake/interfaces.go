package intake

import (
	"context"

	"email-intake-go/internal/storage/models"
)

// Completer 推理客户端接口：一个提示词一次调用，返回原始文本
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// TextExtractor PDF文本提取接口
type TextExtractor interface {
	ExtractTextFromBytes(ctx context.Context, data []byte, uri string) (string, error)
}

// ArchivalStore 归档存储接口：写入字节并返回定位符
type ArchivalStore interface {
	ArchiveAttachment(ctx context.Context, messageID, filename string, data []byte) (string, error)
}

// AnalysisStore 分析记录存储接口
type AnalysisStore interface {
	InsertAnalysisRecord(ctx context.Context, record *models.AnalysisRecord) error
}

// SeenRegistry 已见消息登记接口，支撑可选的重复投递短路
type SeenRegistry interface {
	// CheckAndAddSeenMessage 检查并登记，返回true表示此前已见
	CheckAndAddSeenMessage(ctx context.Context, internetMessageID string) (bool, error)
	// RemoveSeenMessage 失败回滚时移除登记，保证broker重投后仍可处理
	RemoveSeenMessage(ctx context.Context, internetMessageID string) error
}
