package models

import (
	"time"

	"gorm.io/datatypes"
)

// AnalysisRecord 一次成功管道运行的落库产物
// 每次成功运行恰好写入一条，写入后不再被本系统修改或删除
type AnalysisRecord struct {
	ID                string         `gorm:"type:char(36);primaryKey" json:"id"`
	InternetMessageID string         `gorm:"type:varchar(255);not null;index:idx_ar_internet_message_id" json:"internetMessageId"` // 分区/路由键
	EmailSubject      string         `gorm:"type:text" json:"emailSubject"`
	EmailFrom         string         `gorm:"type:varchar(255)" json:"emailFrom"`
	EmailTo           string         `gorm:"type:varchar(255)" json:"emailTo"`
	ReceivedDateTime  time.Time      `gorm:"type:datetime(6)" json:"receivedDateTime"`
	ResumeArchiveRef  string         `gorm:"type:varchar(1024)" json:"resumeArchiveRef"` // 归档附件的可解引用定位符
	AiAnalysis        datatypes.JSON `gorm:"type:json" json:"aiAnalysis"`                // 结构化JSON或降级后的原始字符串
	ProcessedDateTime time.Time      `gorm:"type:datetime(6)" json:"processedDateTime"`
	Status            string         `gorm:"type:varchar(50)" json:"status"`
	CreatedAt         time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)" json:"-"`
}

func (AnalysisRecord) TableName() string {
	return "resume_analyses"
}

// StatusProcessed 唯一的终态状态值，失败/跳过的运行不产生记录
const StatusProcessed = "Processed"
