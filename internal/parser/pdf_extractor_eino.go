package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoParser "github.com/cloudwego/eino/components/document/parser"

	"email-intake-go/internal/logger"
)

// EinoPDFTextExtractor 使用 Eino PDF Parser 提取文本
// 按页解析，页与页之间以换行符连接，不做版面/分栏重建
type EinoPDFTextExtractor struct {
	parser *pdf.PDFParser
}

// NewEinoPDFTextExtractor 初始化 Eino PDF 文本提取器
// ToPages为true：每页产出一个文档，便于保持页序并按页拼接
func NewEinoPDFTextExtractor(ctx context.Context) (*EinoPDFTextExtractor, error) {
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{
		ToPages: true,
	})
	if err != nil {
		return nil, fmt.Errorf("创建Eino PDF解析器失败: %w", err)
	}

	return &EinoPDFTextExtractor{parser: p}, nil
}

// ExtractTextFromReader 从 io.Reader 中提取全文
// 返回按页序拼接的纯文本，每页文本后跟一个换行符
func (e *EinoPDFTextExtractor) ExtractTextFromReader(ctx context.Context, reader io.Reader, uri string) (string, error) {
	startTime := time.Now()

	docs, err := e.parser.Parse(ctx, reader, einoParser.WithURI(uri))
	if err != nil {
		return "", fmt.Errorf("PDF解析失败 (URI %s): %w", uri, err)
	}
	if len(docs) == 0 {
		return "", fmt.Errorf("PDF解析无结果 (URI %s)", uri)
	}

	var sb strings.Builder
	for _, doc := range docs {
		sb.WriteString(doc.Content)
		sb.WriteString("\n")
	}
	text := sb.String()

	logger.Debug().
		Str("uri", uri).
		Int("pages", len(docs)).
		Int("chars", len(text)).
		Dur("duration", time.Since(startTime)).
		Msg("PDF文本提取完成")

	return text, nil
}

// ExtractTextFromBytes 从字节数组提取全文，整个文档常驻内存，不做流式处理
func (e *EinoPDFTextExtractor) ExtractTextFromBytes(ctx context.Context, data []byte, uri string) (string, error) {
	return e.ExtractTextFromReader(ctx, bytes.NewReader(data), uri)
}
