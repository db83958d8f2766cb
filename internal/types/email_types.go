package types

import (
	"encoding/json"
	"strings"
	"time"
)

// EmailArtifact 一封入站邮件的触发工件，由外部邮件摄取系统投递的JSON反序列化而来
// 属性匹配不区分大小写，未知字段忽略，缺失字段取零值
type EmailArtifact struct {
	Subject           string       `json:"subject"`
	Body              string       `json:"body"`
	InternetMessageID string       `json:"internetMessageId"` // 全局唯一，下游分区/归档键
	From              string       `json:"from"`
	To                string       `json:"to"`
	ReceivedDateTime  time.Time    `json:"receivedDateTime"`
	Attachments       []Attachment `json:"attachments"`
}

// Attachment 邮件附件，内容为base64编码
type Attachment struct {
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	Size         int    `json:"size"` // 仅供参考，不与解码后长度校验
}

// IsPDF 判断附件是否为PDF：content-type包含"pdf"或文件名以".pdf"结尾（均不区分大小写）
func (a *Attachment) IsPDF() bool {
	if strings.Contains(strings.ToLower(a.ContentType), "pdf") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(a.Name), ".pdf")
}

// FirstPDFAttachment 按原始顺序返回第一个PDF附件，没有则返回nil
func (e *EmailArtifact) FirstPDFAttachment() *Attachment {
	for i := range e.Attachments {
		if e.Attachments[i].IsPDF() {
			return &e.Attachments[i]
		}
	}
	return nil
}

// Experience 工作经历条目
type Experience struct {
	JobTitle    string `json:"jobTitle"`
	Company     string `json:"company"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
	Description string `json:"description"`
}

// Education 教育经历条目
type Education struct {
	Degree         string `json:"degree"`
	Institution    string `json:"institution"`
	GraduationDate string `json:"graduationDate"`
	GPA            string `json:"gpa"`
}

// CandidateProfile 模型结构化抽取输出的期望形态
// 日期为自由文本（名义上ISO-8601但不强制），落库前不做schema校验
type CandidateProfile struct {
	Name           string       `json:"name"`
	Email          string       `json:"email"`
	Phone          string       `json:"phone"`
	Location       string       `json:"location"`
	Summary        string       `json:"summary"`
	Skills         []string     `json:"skills"`
	Experience     []Experience `json:"experience"`
	Education      []Education  `json:"education"`
	Certifications []string     `json:"certifications"`
	Languages      []string     `json:"languages"`
}

// AnalysisPayload 模型输出的带标签变体：解析成功为Structured，否则降级为Raw原文
// 两者互斥，Structured非空时优先
type AnalysisPayload struct {
	Structured json.RawMessage
	Raw        string
}

// NewStructuredPayload 尝试将文本解析为通用JSON；失败则返回Raw变体和false
func NewStructuredPayload(text string) (AnalysisPayload, bool) {
	if json.Valid([]byte(text)) {
		return AnalysisPayload{Structured: json.RawMessage(text)}, true
	}
	return AnalysisPayload{Raw: text}, false
}

// IsStructured 是否为结构化变体
func (p AnalysisPayload) IsStructured() bool {
	return len(p.Structured) > 0
}

// MarshalJSON 序列化为存储形态：结构化变体原样输出，Raw变体输出JSON字符串
func (p AnalysisPayload) MarshalJSON() ([]byte, error) {
	if p.IsStructured() {
		return p.Structured, nil
	}
	return json.Marshal(p.Raw)
}

// UnmarshalJSON 反序列化：JSON字符串还原为Raw变体，其余还原为Structured
func (p *AnalysisPayload) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		p.Raw = s
		p.Structured = nil
		return nil
	}
	p.Structured = append(p.Structured[:0], data...)
	p.Raw = ""
	return nil
}
