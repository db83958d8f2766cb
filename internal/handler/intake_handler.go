package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"email-intake-go/internal/config"
	"email-intake-go/internal/intake"
	"email-intake-go/internal/logger"
	"email-intake-go/internal/storage"
)

// IntakeHandler 摄取入口，把投递通道和HTTP入口接到管道上
type IntakeHandler struct {
	cfg      *config.Config
	storage  *storage.Storage
	pipeline *intake.Pipeline
}

// NewIntakeHandler 创建摄取入口
func NewIntakeHandler(cfg *config.Config, st *storage.Storage, pipeline *intake.Pipeline) *IntakeHandler {
	return &IntakeHandler{
		cfg:      cfg,
		storage:  st,
		pipeline: pipeline,
	}
}

// StartInboundConsumer 启动入站邮件消费者
// 跳过类与本地可恢复的终态一律Ack；基础设施故障Nack并重新入队，
// 重试完全交给broker的重新投递，管道内部不做任何重试
func (h *IntakeHandler) StartInboundConsumer(ctx context.Context) (func(), error) {
	mq := h.storage.RabbitMQ
	if err := mq.EnsureTopology(
		h.cfg.RabbitMQ.EmailEventsExchange,
		h.cfg.RabbitMQ.InboundEmailQueue,
		h.cfg.RabbitMQ.ReceivedRoutingKey,
	); err != nil {
		return nil, err
	}

	return mq.StartConsumer(h.cfg.RabbitMQ.InboundEmailQueue, h.cfg.RabbitMQ.PrefetchCount, func(body []byte) bool {
		result := h.pipeline.Process(ctx, body)

		if result.IsInfrastructureFailure() {
			logger.Error().
				Err(result.Err).
				Str("outcome", string(result.Outcome)).
				Msg("基础设施故障，消息将重新入队")
			return false
		}

		logger.Info().
			Str("outcome", string(result.Outcome)).
			Str("message", result.Message).
			Msg("邮件工件处理完成")
		return true
	})
}

// intakeResponse 一次调用对外可见的结果
type intakeResponse struct {
	Outcome string `json:"outcome"`
	Message string `json:"message"`
}

// HandleIntake 同步处理一个邮件工件（POST请求体即工件JSON）
func (h *IntakeHandler) HandleIntake(c context.Context, ctx *app.RequestContext) {
	result := h.pipeline.Process(c, ctx.Request.Body())

	resp := intakeResponse{
		Outcome: string(result.Outcome),
		Message: result.Message,
	}

	switch {
	case result.Outcome == intake.OutcomeMalformedInput:
		ctx.JSON(http.StatusBadRequest, resp)
	case result.IsInfrastructureFailure(), result.Outcome == intake.OutcomeInferenceFailed:
		ctx.JSON(http.StatusInternalServerError, resp)
	default:
		ctx.JSON(http.StatusOK, resp)
	}
}

// HandleEnqueue 把邮件工件投入队列做异步处理，由消费者提供at-least-once语义
func (h *IntakeHandler) HandleEnqueue(c context.Context, ctx *app.RequestContext) {
	body := ctx.Request.Body()

	// 入队前仅做JSON形态检查，工件内容的校验留给管道
	if !json.Valid(body) {
		ctx.JSON(http.StatusBadRequest, utils.H{"error": "请求体不是合法JSON"})
		return
	}

	if err := h.storage.RabbitMQ.PublishMessage(
		c,
		h.cfg.RabbitMQ.EmailEventsExchange,
		h.cfg.RabbitMQ.ReceivedRoutingKey,
		body,
		true,
	); err != nil {
		logger.Error().Err(err).Msg("邮件工件入队失败")
		ctx.JSON(http.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusAccepted, utils.H{"status": "enqueued"})
}

// HandleStatus 查询指定internetMessageId是否已有分析记录
// 追加写入语义下"已处理"只表示至少存在一条记录
func (h *IntakeHandler) HandleStatus(c context.Context, ctx *app.RequestContext) {
	messageID := ctx.Query("messageId")
	if messageID == "" {
		ctx.JSON(http.StatusBadRequest, utils.H{"error": "缺少messageId参数"})
		return
	}

	processed, err := h.storage.MySQL.HasRecordForMessage(c, messageID)
	if err != nil {
		logger.Error().Err(err).Str("message_id", messageID).Msg("查询处理状态失败")
		ctx.JSON(http.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, utils.H{
		"internetMessageId": messageID,
		"processed":         processed,
	})
}

// HandleArchiveFetch 按归档键取回原始简历PDF字节
func (h *IntakeHandler) HandleArchiveFetch(c context.Context, ctx *app.RequestContext) {
	key := ctx.Query("key")
	if key == "" {
		ctx.JSON(http.StatusBadRequest, utils.H{"error": "缺少key参数"})
		return
	}

	data, err := h.storage.MinIO.FetchArchivedObject(c, key)
	if err != nil {
		logger.Error().Err(err).Str("key", key).Msg("取回归档对象失败")
		ctx.JSON(http.StatusNotFound, utils.H{"error": err.Error()})
		return
	}

	ctx.Data(http.StatusOK, "application/pdf", data)
}

// HandleHealth 健康检查
func (h *IntakeHandler) HandleHealth(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(http.StatusOK, utils.H{"status": "ok"})
}
