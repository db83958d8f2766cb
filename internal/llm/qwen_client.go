package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"email-intake-go/internal/config"
	"email-intake-go/internal/logger"
)

const (
	// DashScope的OpenAI兼容chat completions地址
	defaultChatCompletionsURL = "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions"
	defaultModelName          = "qwen-plus"
)

// ChatCompletionRequest OpenAI兼容的请求体
// schema.Message的role/content字段与OpenAI消息结构兼容
type ChatCompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []*schema.Message `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
}

// ChatChoice 单条候选回复
type ChatChoice struct {
	Index        int `json:"index"`
	Message      struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// ChatCompletionResponse OpenAI兼容的响应体
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// QwenClient 与OpenAI兼容推理服务交互的文本补全客户端
// 每个提示词一次调用，同步等待响应；超时/限流/鉴权失败原样向调用方传播
type QwenClient struct {
	apiKey      string
	modelName   string
	apiURL      string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

// NewQwenClient 创建推理客户端
func NewQwenClient(cfg *config.LLMConfig) (*QwenClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("LLM配置不能为空")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("API 密钥不能为空")
	}

	mn := cfg.Model
	if strings.TrimSpace(mn) == "" {
		mn = defaultModelName
	}

	url := cfg.APIURL
	if strings.TrimSpace(url) == "" {
		url = defaultChatCompletionsURL
	}

	httpClient := &http.Client{}
	if cfg.Timeout > 0 {
		httpClient.Timeout = time.Duration(cfg.Timeout) * time.Second
	}

	logger.Info().
		Str("api_url", url).
		Str("model", mn).
		Msg("推理客户端初始化完成")

	return &QwenClient{
		apiKey:      cfg.APIKey,
		modelName:   mn,
		apiURL:      url,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  httpClient,
	}, nil
}

// Complete 发送单条用户提示词并返回模型的原始文本回复
func (c *QwenClient) Complete(ctx context.Context, prompt string) (string, error) {
	reqBody := ChatCompletionRequest{
		Model: c.modelName,
		Messages: []*schema.Message{
			schema.UserMessage(prompt),
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("序列化推理请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建推理HTTP请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("调用推理服务失败: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取推理响应失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("推理服务返回非200状态码 %d: %s", resp.StatusCode, string(respBytes))
	}

	var completion ChatCompletionResponse
	if err := json.Unmarshal(respBytes, &completion); err != nil {
		return "", fmt.Errorf("解析推理响应失败: %w", err)
	}
	if completion.Error != nil {
		return "", fmt.Errorf("推理服务返回错误: %s (%s)", completion.Error.Message, completion.Error.Code)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("推理响应中没有choices")
	}

	return completion.Choices[0].Message.Content, nil
}
