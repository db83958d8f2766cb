package intake

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"email-intake-go/internal/logger"
	"email-intake-go/internal/prompt"
	"email-intake-go/internal/storage/models"
	"email-intake-go/internal/tracing"
	"email-intake-go/internal/types"
)

var pipelineTracer = otel.Tracer("email-intake-go/intake")

// triageAffirmative 甄别阶段唯一的肯定回答；其余任何文本一律按"不是求职邮件"跳过
const triageAffirmative = "true"

// Components 聚合管道的功能组件依赖，便于集中管理和测试替换
type Components struct {
	Completer Completer     // 推理客户端
	Extractor TextExtractor // PDF文本提取
	Archive   ArchivalStore // 附件归档
	Analyses  AnalysisStore // 分析记录落库
	Seen      SeenRegistry  // 已见消息登记，可为nil
}

// Settings 纯配置项，不包含任何业务逻辑组件
type Settings struct {
	// DedupRedeliveries 为true时按internetMessageId对重复投递做短路
	DedupRedeliveries bool
}

// SettingOpt Settings的函数式选项
type SettingOpt func(*Settings)

// WithDedupRedeliveries 开关重复投递短路
func WithDedupRedeliveries(enabled bool) SettingOpt {
	return func(s *Settings) {
		s.DedupRedeliveries = enabled
	}
}

// Pipeline 摄取管道编排器：每个触发事件一次无状态调用，七个阶段严格顺序执行
// 任一阶段失败立即返回对应终态，后续阶段不再执行；调用之间不共享可变状态
type Pipeline struct {
	comp Components
	set  Settings
}

// NewPipeline 创建摄取管道
func NewPipeline(comp Components, set Settings, opts ...SettingOpt) (*Pipeline, error) {
	for _, opt := range opts {
		opt(&set)
	}

	if comp.Completer == nil {
		return nil, fmt.Errorf("推理客户端不能为空")
	}
	if comp.Extractor == nil {
		return nil, fmt.Errorf("PDF提取器不能为空")
	}
	if comp.Archive == nil {
		return nil, fmt.Errorf("归档存储不能为空")
	}
	if comp.Analyses == nil {
		return nil, fmt.Errorf("分析存储不能为空")
	}
	if set.DedupRedeliveries && comp.Seen == nil {
		return nil, fmt.Errorf("开启重复投递短路时必须提供已见消息登记组件")
	}

	return &Pipeline{comp: comp, set: set}, nil
}

// Process 处理一个邮件工件，从原始字节到命名终态
func (p *Pipeline) Process(ctx context.Context, artifactBytes []byte) Result {
	ctx, span := pipelineTracer.Start(ctx, "intake.Process",
		trace.WithAttributes(attribute.Int("artifact.bytes", len(artifactBytes))),
	)
	defer span.End()

	// 阶段1：解析工件
	var artifact types.EmailArtifact
	if err := json.Unmarshal(artifactBytes, &artifact); err != nil {
		logger.Error().Err(err).Msg("邮件工件反序列化失败")
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return failure(OutcomeMalformedInput, err, "Failed to parse email")
	}

	span.SetAttributes(
		attribute.String("email.message_id", artifact.InternetMessageID),
		attribute.String("email.subject", tracing.SafeAttributeValue("subject", artifact.Subject, tracing.MaxSubjectLength)),
		attribute.Int("email.attachments", len(artifact.Attachments)),
	)

	log := logger.Logger.With().Str("message_id", artifact.InternetMessageID).Logger()
	log.Info().
		Str("subject", artifact.Subject).
		Int("attachments", len(artifact.Attachments)).
		Msg("开始处理邮件工件")

	if len(artifact.Attachments) == 0 {
		log.Info().Msg("邮件没有附件，跳过处理")
		return skip(OutcomeNoAttachments, "No attachments to process")
	}

	// 可选短路：同一internetMessageId的重复投递
	seenRegistered := false
	if p.set.DedupRedeliveries && artifact.InternetMessageID != "" {
		seen, err := p.comp.Seen.CheckAndAddSeenMessage(ctx, artifact.InternetMessageID)
		if err != nil {
			// 登记不可用时放行处理，保持追加语义而不是拒绝整封邮件
			log.Warn().Err(err).Msg("已见消息查询失败，按未见处理")
		} else if seen {
			log.Info().Msg("检测到重复投递，短路跳过")
			return skip(OutcomeDuplicateDelivery, "Duplicate delivery skipped")
		} else {
			seenRegistered = true
		}
	}

	// 失败时撤销登记，让broker的重新投递有机会重试
	unregister := func() {
		if seenRegistered {
			if err := p.comp.Seen.RemoveSeenMessage(ctx, artifact.InternetMessageID); err != nil {
				log.Warn().Err(err).Msg("回滚已见消息登记失败")
			}
		}
	}

	// 阶段2：甄别是否为求职邮件
	log.Info().Msg("调用模型甄别邮件")
	triagePrompt := prompt.BuildTriagePrompt(artifact.Subject, artifact.Body)
	triageRaw, err := p.comp.Completer.Complete(ctx, triagePrompt)
	if err != nil {
		log.Error().Err(err).Msg("甄别推理调用失败")
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		unregister()
		return failure(OutcomeInferenceFailed, err, fmt.Sprintf("triage inference failed: %v", err))
	}

	verdict := strings.ToLower(strings.TrimSpace(triageRaw))
	span.SetAttributes(attribute.String("triage.verdict", verdict))
	log.Info().Str("verdict", verdict).Msg("甄别完成")

	if verdict != triageAffirmative {
		log.Info().Msg("邮件不是求职申请，跳过处理")
		return skip(OutcomeNotAJobApplication, "Email is not a job application")
	}

	// 阶段3：定位PDF附件（按原始顺序取第一个匹配）
	pdfAttachment := artifact.FirstPDFAttachment()
	if pdfAttachment == nil {
		log.Info().Msg("未找到PDF附件")
		return skip(OutcomeNoPdfFound, "No PDF resume found")
	}
	span.SetAttributes(attribute.String("attachment.name", pdfAttachment.Name))

	// 阶段4：解码并提取文本，整个文档常驻内存
	pdfBytes, err := base64.StdEncoding.DecodeString(pdfAttachment.ContentBytes)
	if err != nil {
		log.Error().Err(err).Str("attachment", pdfAttachment.Name).Msg("附件base64解码失败")
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		unregister()
		return failure(OutcomeExtractionFailed, err, "Failed to extract text from PDF")
	}

	resumeText, err := p.comp.Extractor.ExtractTextFromBytes(ctx, pdfBytes, pdfAttachment.Name)
	if err != nil {
		log.Error().Err(err).Str("attachment", pdfAttachment.Name).Msg("PDF文本提取失败")
		tracing.RecordError(span, err, tracing.ErrorTypeInternal)
		unregister()
		return failure(OutcomeExtractionFailed, err, "Failed to extract text from PDF")
	}
	log.Info().Int("chars", len(resumeText)).Msg("PDF文本提取完成")

	// 阶段5：结构化抽取。本阶段不会整体失败：总会产出某段文本供落库
	log.Info().Msg("调用模型分析简历内容")
	extractionPrompt := prompt.BuildExtractionPrompt(resumeText)
	analysisRaw, err := p.comp.Completer.Complete(ctx, extractionPrompt)
	if err != nil {
		log.Error().Err(err).Msg("抽取推理调用失败")
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		unregister()
		return failure(OutcomeInferenceFailed, err, fmt.Sprintf("extraction inference failed: %v", err))
	}
	analysisText := recoverJSONObject(strings.TrimSpace(analysisRaw))
	log.Info().Msg("模型分析完成")

	// 阶段6：归档原始PDF字节
	archiveRef, err := p.comp.Archive.ArchiveAttachment(ctx, artifact.InternetMessageID, pdfAttachment.Name, pdfBytes)
	if err != nil {
		log.Error().Err(err).Msg("简历归档失败")
		unregister()
		return failure(OutcomeArchivalFailed, err, fmt.Sprintf("archival failed: %v", err))
	}
	log.Info().Str("archive_ref", archiveRef).Msg("简历归档完成")

	// 阶段7：落库分析记录。非JSON的模型输出降级为原始字符串，只记警告
	payload, structured := types.NewStructuredPayload(analysisText)
	if !structured {
		log.Warn().Msg("模型输出不是合法JSON，按原始字符串落库")
	}
	payloadJSON, err := payload.MarshalJSON()
	if err != nil {
		// Raw变体的字符串序列化不应失败，此分支仅为防御
		log.Error().Err(err).Msg("分析载荷序列化失败")
		unregister()
		return failure(OutcomePersistenceFailed, err, fmt.Sprintf("persistence failed: %v", err))
	}

	recordID, err := uuid.NewV7()
	if err != nil {
		unregister()
		return failure(OutcomePersistenceFailed, err, fmt.Sprintf("persistence failed: %v", err))
	}

	record := &models.AnalysisRecord{
		ID:                recordID.String(),
		InternetMessageID: artifact.InternetMessageID,
		EmailSubject:      artifact.Subject,
		EmailFrom:         artifact.From,
		EmailTo:           artifact.To,
		ReceivedDateTime:  artifact.ReceivedDateTime,
		ResumeArchiveRef:  archiveRef,
		AiAnalysis:        datatypes.JSON(payloadJSON),
		ProcessedDateTime: time.Now().UTC(),
		Status:            models.StatusProcessed,
	}

	if err := p.comp.Analyses.InsertAnalysisRecord(ctx, record); err != nil {
		log.Error().Err(err).Msg("分析记录落库失败")
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
		unregister()
		return failure(OutcomePersistenceFailed, err, fmt.Sprintf("persistence failed: %v", err))
	}

	log.Info().Str("record_id", record.ID).Msg("分析记录已落库")
	return success()
}

// recoverJSONObject 从模型回复中恢复JSON对象：取第一个'{'到最后一个'}'（含两端）
// 用于剥离模型包裹在JSON外的说明文字或代码块围栏；找不到成对花括号时原样返回
func recoverJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return s
	}
	end := strings.LastIndex(s, "}")
	if end <= start {
		return s
	}
	return s[start : end+1]
}
