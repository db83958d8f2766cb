package intake

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"email-intake-go/internal/storage/models"
)

// 测试用推理客户端模拟器
// 按提示词内容区分甄别与抽取两类调用，并记录收到的提示词
type mockCompleter struct {
	TriageResponse     string
	TriageErr          error
	ExtractionResponse string
	ExtractionErr      error

	TriagePrompts     []string
	ExtractionPrompts []string
}

func (m *mockCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if strings.Contains(prompt, "BEGIN RESUME TEXT") {
		m.ExtractionPrompts = append(m.ExtractionPrompts, prompt)
		return m.ExtractionResponse, m.ExtractionErr
	}
	m.TriagePrompts = append(m.TriagePrompts, prompt)
	return m.TriageResponse, m.TriageErr
}

// 测试用PDF文本提取模拟器
type mockExtractor struct {
	Text string
	Err  error

	GotData []byte
	GotURI  string
	Calls   int
}

func (m *mockExtractor) ExtractTextFromBytes(ctx context.Context, data []byte, uri string) (string, error) {
	m.Calls++
	m.GotData = data
	m.GotURI = uri
	return m.Text, m.Err
}

// 测试用归档存储模拟器
type mockArchive struct {
	Err   error
	Calls []archiveCall
}

type archiveCall struct {
	MessageID string
	Filename  string
	Data      []byte
}

func (m *mockArchive) ArchiveAttachment(ctx context.Context, messageID, filename string, data []byte) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.Calls = append(m.Calls, archiveCall{MessageID: messageID, Filename: filename, Data: data})
	return fmt.Sprintf("minio://resume-attachments/%s_%s", messageID, filename), nil
}

// 测试用分析记录存储模拟器
type mockAnalyses struct {
	Err     error
	Records []*models.AnalysisRecord
}

func (m *mockAnalyses) InsertAnalysisRecord(ctx context.Context, record *models.AnalysisRecord) error {
	if m.Err != nil {
		return m.Err
	}
	m.Records = append(m.Records, record)
	return nil
}

// 测试用已见消息登记模拟器，基于内存set
type mockSeen struct {
	mu       sync.Mutex
	seen     map[string]bool
	CheckErr error
}

func newMockSeen() *mockSeen {
	return &mockSeen{seen: make(map[string]bool)}
}

func (m *mockSeen) CheckAndAddSeenMessage(ctx context.Context, id string) (bool, error) {
	if m.CheckErr != nil {
		return false, m.CheckErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[id] {
		return true, nil
	}
	m.seen[id] = true
	return false, nil
}

func (m *mockSeen) RemoveSeenMessage(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, id)
	return nil
}

func (m *mockSeen) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[id]
}

// 伪造的PDF字节与其base64编码，用作标准附件内容
var (
	fakePDFBytes  = []byte("%PDF-1.4 fake resume bytes")
	fakePDFBase64 = base64.StdEncoding.EncodeToString(fakePDFBytes)
)

// newTestComponents 返回一套全部走成功路径的组件
func newTestComponents() (Components, *mockCompleter, *mockExtractor, *mockArchive, *mockAnalyses) {
	completer := &mockCompleter{
		TriageResponse:     "true",
		ExtractionResponse: `{"name":"Jane Doe","email":"jane@example.com"}`,
	}
	extractor := &mockExtractor{Text: "Jane Doe\nSoftware Engineer"}
	archive := &mockArchive{}
	analyses := &mockAnalyses{}
	return Components{
		Completer: completer,
		Extractor: extractor,
		Archive:   archive,
		Analyses:  analyses,
	}, completer, extractor, archive, analyses
}

// artifactJSON 构造一个合法的邮件工件JSON
func artifactJSON(t *testing.T, messageID string, attachments []map[string]interface{}) []byte {
	t.Helper()
	artifact := map[string]interface{}{
		"subject":           "Application for Backend Engineer",
		"body":              "Dear hiring team, please find my resume attached.",
		"internetMessageId": messageID,
		"from":              "jane@example.com",
		"to":                "hr@example.com",
		"receivedDateTime":  "2025-06-01T08:30:00Z",
		"attachments":       attachments,
	}
	data, err := json.Marshal(artifact)
	require.NoError(t, err)
	return data
}

func pdfAttachment(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":         name,
		"contentType":  "application/pdf",
		"contentBytes": fakePDFBase64,
		"size":         len(fakePDFBytes),
	}
}

func TestNewPipelineValidation(t *testing.T) {
	comp, _, _, _, _ := newTestComponents()

	// 任一功能组件缺失都应在构造期失败
	broken := comp
	broken.Completer = nil
	_, err := NewPipeline(broken, Settings{})
	assert.Error(t, err)

	broken = comp
	broken.Extractor = nil
	_, err = NewPipeline(broken, Settings{})
	assert.Error(t, err)

	broken = comp
	broken.Archive = nil
	_, err = NewPipeline(broken, Settings{})
	assert.Error(t, err)

	broken = comp
	broken.Analyses = nil
	_, err = NewPipeline(broken, Settings{})
	assert.Error(t, err)

	// 开启重复投递短路但没有登记组件
	_, err = NewPipeline(comp, Settings{}, WithDedupRedeliveries(true))
	assert.Error(t, err)

	// 完整组件可以正常构造
	p, err := NewPipeline(comp, Settings{})
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestProcessMalformedInput(t *testing.T) {
	comp, completer, _, archive, analyses := newTestComponents()
	p, err := NewPipeline(comp, Settings{})
	require.NoError(t, err)

	result := p.Process(context.Background(), []byte("not json at all"))

	assert.Equal(t, OutcomeMalformedInput, result.Outcome)
	assert.Contains(t, result.Message, "Failed to parse email")
	assert.Error(t, result.Err)
	// 任何下游副作用都不应发生
	assert.Empty(t, completer.TriagePrompts)
	assert.Empty(t, archive.Calls)
	assert.Empty(t, analyses.Records)
}

func TestProcessNoAttachments(t *testing.T) {
	comp, completer, _, archive, analyses := newTestComponents()
	p, err := NewPipeline(comp, Settings{})
	require.NoError(t, err)

	body := artifactJSON(t, "msg-001", []map[string]interface{}{})
	result := p.Process(context.Background(), body)

	assert.Equal(t, OutcomeNoAttachments, result.Outcome)
	assert.Equal(t, "No attachments to process", result.Message)
	assert.True(t, result.IsSkip())
	assert.NoError(t, result.Err)
	// 无附件时连甄别推理都不应调用
	assert.Empty(t, completer.TriagePrompts)
	assert.Empty(t, archive.Calls)
	assert.Empty(t, analyses.Records)
}

func TestProcessTriageRejects(t *testing.T) {
	// 甄别是fail-closed的：规范化后不等于"true"的任何回答一律跳过
	rejections := []string{
		"false",
		"yes",
		"maybe",
		"I think it's true",
		"true.",
		"",
	}

	for _, verdict := range rejections {
		t.Run(fmt.Sprintf("verdict=%q", verdict), func(t *testing.T) {
			comp, completer, _, archive, analyses := newTestComponents()
			completer.TriageResponse = verdict
			p, err := NewPipeline(comp, Settings{})
			require.NoError(t, err)

			body := artifactJSON(t, "msg-002", []map[string]interface{}{pdfAttachment("resume.pdf")})
			result := p.Process(context.Background(), body)

			assert.Equal(t, OutcomeNotAJobApplication, result.Outcome)
			assert.Equal(t, "Email is not a job application", result.Message)
			assert.True(t, result.IsSkip())
			assert.Empty(t, archive.Calls)
			assert.Empty(t, analyses.Records)
		})
	}
}

func TestProcessTriageNormalization(t *testing.T) {
	// 回答带大小写与空白时应规范化后判定为肯定
	comp, completer, _, _, analyses := newTestComponents()
	completer.TriageResponse = "  True \n"
	p, err := NewPipeline(comp, Settings{})
	require.NoError(t, err)

	body := artifactJSON(t, "msg-003", []map[string]interface{}{pdfAttachment("resume.pdf")})
	result := p.Process(context.Background(), body)

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Len(t, analyses.Records, 1)
}

func TestProcessNoPdfFound(t *testing.T) {
	comp, _, _, archive, analyses := newTestComponents()
	p, err := NewPipeline(comp, Settings{})
	require.NoError(t, err)

	body := artifactJSON(t, "msg-004", []map[string]interface{}{
		{"name": "photo.jpg", "contentType": "image/jpeg", "contentBytes": fakePDFBase64},
		{"name": "notes.txt", "contentType": "text/plain", "contentBytes": fakePDFBase64},
	})
	result := p.Process(context.Background(), body)

	assert.Equal(t, OutcomeNoPdfFound, result.Outcome)
	assert.Equal(t, "No PDF resume found", result.Message)
	assert.True(t, result.IsSkip())
	assert.Empty(t, archive.Calls)
	assert.Empty(t, analyses.Records)
}

func TestProcessPdfSelection(t *testing.T) {
	// 按原始顺序取第一个匹配的PDF；匹配不区分大小写，文件名后缀也可命中
	comp, _, extractor, archive, _ := newTestComponents()
	p, err := NewPipeline(comp, Settings{})
	require.NoError(t, err)

	body := artifactJSON(t, "msg-005", []map[string]interface{}{
		{"name": "photo.jpg", "contentType": "image/jpeg", "contentBytes": fakePDFBase64},
		{"name": "RESUME.PDF", "contentType": "application/octet-stream", "contentBytes": fakePDFBase64},
		{"name": "second.pdf", "contentType": "application/pdf", "contentBytes": fakePDFBase64},
	})
	result := p.Process(context.Background(), body)

	require.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "RESUME.PDF", extractor.GotURI)
	require.Len(t, archive.Calls, 1)
	assert.Equal(t, "RESUME.PDF", archive.Calls[0].Filename)
}

func TestProcessInvalidBase64(t *testing.T) {
	comp, _, extractor, archive, analyses := newTestComponents()
	p, err := NewPipeline(comp, Settings{})
	require.NoError(t, err)

	body := artifactJSON(t, "msg-006", []map[string]interface{}{
		{"name": "resume.pdf", "contentType": "application/pdf", "contentBytes": "!!not-base64!!"},
	})
	result := p.Process(context.Background(), body)

	assert.Equal(t, OutcomeExtractionFailed, result.Outcome)
	assert.Equal(t, "Error: Failed to extract text from PDF", result.Message)
	assert.Error(t, result.Err)
	// 解码失败时提取器、归档和落库都不应被触达
	assert.Zero(t, extractor.Calls)
	assert.Empty(t, archive.Calls)
	assert.Empty(t, analyses.Records)
}

func TestProcessExtractorFailure(t *testing.T) {
	comp, _, extractor, archive, analyses := newTestComponents()
	extractor.Err = fmt.Errorf("corrupt xref table")
	p, err := NewPipeline(comp, Settings{})
	require.NoError(t, err)

	body := artifactJSON(t, "msg-007", []map[string]interface{}{pdfAttachment("resume.pdf")})
	result := p.Process(context.Background(), body)

	assert.Equal(t, OutcomeExtractionFailed, result.Outcome)
	assert.Equal(t, "Error: Failed to extract text from PDF", result.Message)
	assert.Empty(t, archive.Calls)
	assert.Empty(t, analyses.Records)
}

func TestProcessInferenceFailure(t *testing.T) {
	t.Run("甄别阶段失败", func(t *testing.T) {
		comp, completer, _, archive, analyses := newTestComponents()
		completer.TriageErr = fmt.Errorf("429 Too Many Requests")
		p, err := NewPipeline(comp, Settings{})
		require.NoError(t, err)

		body := artifactJSON(t, "msg-008", []map[string]interface{}{pdfAttachment("resume.pdf")})
		result := p.Process(context.Background(), body)

		assert.Equal(t, OutcomeInferenceFailed, result.Outcome)
		assert.Error(t, result.Err)
		assert.False(t, result.IsInfrastructureFailure())
		assert.Empty(t, archive.Calls)
		assert.Empty(t, analyses.Records)
	})

	t.Run("抽取阶段失败", func(t *testing.T) {
		comp, completer, _, archive, analyses := newTestComponents()
		completer.ExtractionErr = fmt.Errorf("request timeout")
		p, err := NewPipeline(comp, Settings{})
		require.NoError(t, err)

		body := artifactJSON(t, "msg-009", []map[string]interface{}{pdfAttachment("resume.pdf")})
		result := p.Process(context.Background(), body)

		assert.Equal(t, OutcomeInferenceFailed, result.Outcome)
		assert.Error(t, result.Err)
		assert.Empty(t, archive.Calls)
		assert.Empty(t, analyses.Records)
	})
}

func TestProcessSuccess(t *testing.T) {
	comp, completer, extractor, archive, analyses := newTestComponents()
	p, err := NewPipeline(comp, Settings{})
	require.NoError(t, err)

	body := artifactJSON(t, "msg-100", []map[string]interface{}{pdfAttachment("jane_resume.pdf")})
	result := p.Process(context.Background(), body)

	require.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "Resume processed successfully", result.Message)
	assert.NoError(t, result.Err)
	assert.False(t, result.IsSkip())
	assert.False(t, result.IsInfrastructureFailure())

	// 两次推理调用，提示词包含对应的用户内容
	require.Len(t, completer.TriagePrompts, 1)
	assert.Contains(t, completer.TriagePrompts[0], "Application for Backend Engineer")
	require.Len(t, completer.ExtractionPrompts, 1)
	assert.Contains(t, completer.ExtractionPrompts[0], extractor.Text)

	// 归档收到解码后的原始PDF字节
	require.Len(t, archive.Calls, 1)
	assert.Equal(t, "msg-100", archive.Calls[0].MessageID)
	assert.Equal(t, "jane_resume.pdf", archive.Calls[0].Filename)
	assert.Equal(t, fakePDFBytes, archive.Calls[0].Data)

	// 落库记录的字段完整
	require.Len(t, analyses.Records, 1)
	record := analyses.Records[0]
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "msg-100", record.InternetMessageID)
	assert.Equal(t, "Application for Backend Engineer", record.EmailSubject)
	assert.Equal(t, "jane@example.com", record.EmailFrom)
	assert.Equal(t, "hr@example.com", record.EmailTo)
	assert.Equal(t, time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC), record.ReceivedDateTime.UTC())
	assert.Contains(t, record.ResumeArchiveRef, "msg-100")
	assert.Equal(t, models.StatusProcessed, record.Status)
	assert.WithinDuration(t, time.Now().UTC(), record.ProcessedDateTime, 5*time.Second)
	assert.JSONEq(t, `{"name":"Jane Doe","email":"jane@example.com"}`, string(record.AiAnalysis))
}

func TestProcessRecoversJSONFromChattyResponse(t *testing.T) {
	// 模型把JSON包在说明文字里时，应只保留第一个'{'到最后一个'}'之间的内容
	comp, completer, _, _, analyses := newTestComponents()
	completer.ExtractionResponse = `Here is the result: {"name":"Jane"} Thanks!`
	p, err := NewPipeline(comp, Settings{})
	require.NoError(t, err)

	body := artifactJSON(t, "msg-101", []map[string]interface{}{pdfAttachment("resume.pdf")})
	result := p.Process(context.Background(), body)

	require.Equal(t, OutcomeSuccess, result.Outcome)
	require.Len(t, analyses.Records, 1)
	assert.Equal(t, `{"name":"Jane"}`, string(analyses.Records[0].AiAnalysis))
}

func TestProcessRawFallbackWhenNotJSON(t *testing.T) {
	// 完全不含花括号的输出按原始字符串落库，不视为失败
	comp, completer, _, _, analyses := newTestComponents()
	completer.ExtractionResponse = "I could not read this resume."
	p, err := NewPipeline(comp, Settings{})
	require.NoError(t, err)

	body := artifactJSON(t, "msg-102", []map[string]interface{}{pdfAttachment("resume.pdf")})
	result := p.Process(context.Background(), body)

	require.Equal(t, OutcomeSuccess, result.Outcome)
	require.Len(t, analyses.Records, 1)

	// 落库形态为JSON字符串
	var stored string
	require.NoError(t, json.Unmarshal(analyses.Records[0].AiAnalysis, &stored))
	assert.Equal(t, "I could not read this resume.", stored)
}

func TestProcessAppendOnlyByDefault(t *testing.T) {
	// 默认不去重：同一工件投递两次产生两条独立记录和两次归档
	comp, _, _, archive, analyses := newTestComponents()
	p, err := NewPipeline(comp, Settings{})
	require.NoError(t, err)

	body := artifactJSON(t, "msg-103", []map[string]interface{}{pdfAttachment("resume.pdf")})

	result1 := p.Process(context.Background(), body)
	result2 := p.Process(context.Background(), body)

	assert.Equal(t, OutcomeSuccess, result1.Outcome)
	assert.Equal(t, OutcomeSuccess, result2.Outcome)
	assert.Len(t, archive.Calls, 2)
	require.Len(t, analyses.Records, 2)
	assert.NotEqual(t, analyses.Records[0].ID, analyses.Records[1].ID)
}

func TestProcessDedupShortCircuit(t *testing.T) {
	comp, _, _, archive, analyses := newTestComponents()
	seen := newMockSeen()
	comp.Seen = seen
	p, err := NewPipeline(comp, Settings{}, WithDedupRedeliveries(true))
	require.NoError(t, err)

	body := artifactJSON(t, "msg-104", []map[string]interface{}{pdfAttachment("resume.pdf")})

	result1 := p.Process(context.Background(), body)
	result2 := p.Process(context.Background(), body)

	assert.Equal(t, OutcomeSuccess, result1.Outcome)
	assert.Equal(t, OutcomeDuplicateDelivery, result2.Outcome)
	assert.Equal(t, "Duplicate delivery skipped", result2.Message)
	assert.True(t, result2.IsSkip())
	// 第二次投递没有任何下游副作用
	assert.Len(t, archive.Calls, 1)
	assert.Len(t, analyses.Records, 1)
}

func TestProcessDedupRollbackOnFailure(t *testing.T) {
	// 处理失败时应撤销已见登记，让broker的重新投递可以重试
	comp, _, _, archive, analyses := newTestComponents()
	seen := newMockSeen()
	comp.Seen = seen
	archiveMock := archive
	archiveMock.Err = fmt.Errorf("bucket unavailable")
	p, err := NewPipeline(comp, Settings{}, WithDedupRedeliveries(true))
	require.NoError(t, err)

	body := artifactJSON(t, "msg-105", []map[string]interface{}{pdfAttachment("resume.pdf")})

	result := p.Process(context.Background(), body)
	assert.Equal(t, OutcomeArchivalFailed, result.Outcome)
	assert.True(t, result.IsInfrastructureFailure())
	assert.False(t, seen.Has("msg-105"))

	// 故障恢复后重投应能正常处理
	archiveMock.Err = nil
	result = p.Process(context.Background(), body)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Len(t, analyses.Records, 1)
	assert.True(t, seen.Has("msg-105"))
}

func TestProcessSeenRegistryUnavailable(t *testing.T) {
	// 登记组件不可用时按未见放行，保持追加语义
	comp, _, _, _, analyses := newTestComponents()
	seen := newMockSeen()
	seen.CheckErr = fmt.Errorf("redis: connection refused")
	comp.Seen = seen
	p, err := NewPipeline(comp, Settings{}, WithDedupRedeliveries(true))
	require.NoError(t, err)

	body := artifactJSON(t, "msg-106", []map[string]interface{}{pdfAttachment("resume.pdf")})
	result := p.Process(context.Background(), body)

	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Len(t, analyses.Records, 1)
}

func TestProcessArchivalFailed(t *testing.T) {
	comp, _, _, archive, analyses := newTestComponents()
	archive.Err = fmt.Errorf("connection reset by peer")
	p, err := NewPipeline(comp, Settings{})
	require.NoError(t, err)

	body := artifactJSON(t, "msg-107", []map[string]interface{}{pdfAttachment("resume.pdf")})
	result := p.Process(context.Background(), body)

	assert.Equal(t, OutcomeArchivalFailed, result.Outcome)
	assert.True(t, result.IsInfrastructureFailure())
	assert.Error(t, result.Err)
	assert.Contains(t, result.Message, "Error:")
	// 归档失败时不应落库
	assert.Empty(t, analyses.Records)
}

func TestProcessPersistenceFailed(t *testing.T) {
	comp, _, _, archive, analyses := newTestComponents()
	analyses.Err = fmt.Errorf("Error 1045: Access denied")
	p, err := NewPipeline(comp, Settings{})
	require.NoError(t, err)

	body := artifactJSON(t, "msg-108", []map[string]interface{}{pdfAttachment("resume.pdf")})
	result := p.Process(context.Background(), body)

	assert.Equal(t, OutcomePersistenceFailed, result.Outcome)
	assert.True(t, result.IsInfrastructureFailure())
	assert.Error(t, result.Err)
	// 归档发生在落库之前，失败时已写入的对象不回滚
	assert.Len(t, archive.Calls, 1)
}

func TestRecoverJSONObject(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"纯JSON原样返回", `{"a":1}`, `{"a":1}`},
		{"剥离前后说明文字", `Sure! {"a":1} Hope this helps.`, `{"a":1}`},
		{"剥离代码块围栏", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"嵌套对象取最外层", `x {"a":{"b":2}} y`, `{"a":{"b":2}}`},
		{"没有左花括号原样返回", "plain text", "plain text"},
		{"右花括号在左花括号之前原样返回", "} nope {", "} nope {"},
		{"空字符串", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, recoverJSONObject(tc.input))
		})
	}
}
