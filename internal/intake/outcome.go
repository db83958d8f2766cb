package intake

import "fmt"

// Outcome 一次管道调用的命名终态
type Outcome string

const (
	// OutcomeSuccess 成功：归档+落库均完成
	OutcomeSuccess Outcome = "Success"
	// OutcomeMalformedInput 输入字节不是合法的邮件工件
	OutcomeMalformedInput Outcome = "MalformedInput"
	// OutcomeNoAttachments 没有附件，正常的"无事可做"终态
	OutcomeNoAttachments Outcome = "NoAttachments"
	// OutcomeNotAJobApplication 甄别判定不是求职邮件（fail-closed：非"true"一律跳过）
	OutcomeNotAJobApplication Outcome = "NotAJobApplication"
	// OutcomeNoPdfFound 有附件但没有PDF
	OutcomeNoPdfFound Outcome = "NoPdfFound"
	// OutcomeDuplicateDelivery 开启短路时检测到的重复投递
	OutcomeDuplicateDelivery Outcome = "DuplicateDelivery"
	// OutcomeExtractionFailed base64解码或PDF解析失败
	OutcomeExtractionFailed Outcome = "ExtractionFailed"
	// OutcomeInferenceFailed 推理调用自身失败（超时/鉴权/限流等）
	OutcomeInferenceFailed Outcome = "InferenceFailed"
	// OutcomeArchivalFailed 归档存储写入失败，错误向调用边界传播
	OutcomeArchivalFailed Outcome = "ArchivalFailed"
	// OutcomePersistenceFailed 分析记录写入失败，错误向调用边界传播
	OutcomePersistenceFailed Outcome = "PersistenceFailed"
)

// Result 一次调用的完整结果：命名终态、人类可读消息、底层错误（仅失败类有）
type Result struct {
	Outcome Outcome
	Message string
	Err     error
}

// IsSkip 是否为预期内的跳过类终态（按成功处理，不触发重试）
func (r Result) IsSkip() bool {
	switch r.Outcome {
	case OutcomeNoAttachments, OutcomeNotAJobApplication, OutcomeNoPdfFound, OutcomeDuplicateDelivery:
		return true
	}
	return false
}

// IsInfrastructureFailure 是否为应由调用方考虑外部补救（如重新投递）的基础设施故障
func (r Result) IsInfrastructureFailure() bool {
	return r.Outcome == OutcomeArchivalFailed || r.Outcome == OutcomePersistenceFailed
}

func success() Result {
	return Result{Outcome: OutcomeSuccess, Message: "Resume processed successfully"}
}

func skip(outcome Outcome, message string) Result {
	return Result{Outcome: outcome, Message: message}
}

func failure(outcome Outcome, err error, message string) Result {
	return Result{
		Outcome: outcome,
		Message: fmt.Sprintf("Error: %s", message),
		Err:     err,
	}
}
