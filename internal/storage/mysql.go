package storage

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"email-intake-go/internal/config"
	"email-intake-go/internal/logger"
	"email-intake-go/internal/storage/models"
)

var mysqlTracer = otel.Tracer("email-intake-go/storage/mysql")

// AnalysisStore 分析记录存储接口：每次成功运行插入一条，按internetMessageId路由
type AnalysisStore interface {
	InsertAnalysisRecord(ctx context.Context, record *models.AnalysisRecord) error
	HasRecordForMessage(ctx context.Context, internetMessageID string) (bool, error)
}

// 确保MySQL实现了AnalysisStore接口
var _ AnalysisStore = (*MySQL)(nil)

// MySQL 提供分析记录的持久化
type MySQL struct {
	db *gorm.DB
}

// NewMySQL 创建MySQL连接并迁移表结构
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	port := cfg.Port
	if port == 0 {
		port = 3306
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.Username, cfg.Password, cfg.Host, port, cfg.Database)

	logLevel := gormlogger.Warn
	if cfg.LogLevel >= 1 && cfg.LogLevel <= 4 {
		logLevel = gormlogger.LogLevel(cfg.LogLevel)
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	if err := db.Use(&gormTracingPlugin{dbName: cfg.Database}); err != nil {
		return nil, fmt.Errorf("注册GORM追踪插件失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层sql.DB失败: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetimeMinutes > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	}

	if err := db.AutoMigrate(&models.AnalysisRecord{}); err != nil {
		return nil, fmt.Errorf("迁移分析记录表失败: %w", err)
	}

	logger.Info().
		Str("host", cfg.Host).
		Str("database", cfg.Database).
		Msg("MySQL分析存储初始化成功")
	return &MySQL{db: db}, nil
}

// DB 暴露底层gorm.DB，供测试和迁移工具使用
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭连接池
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertAnalysisRecord 插入一条分析记录，失败原样上抛
func (m *MySQL) InsertAnalysisRecord(ctx context.Context, record *models.AnalysisRecord) error {
	if record == nil {
		return fmt.Errorf("分析记录不能为空")
	}
	if err := m.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("插入分析记录失败 (message_id=%s): %w", record.InternetMessageID, err)
	}
	return nil
}

// HasRecordForMessage 查询指定internetMessageId是否已有分析记录
func (m *MySQL) HasRecordForMessage(ctx context.Context, internetMessageID string) (bool, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Model(&models.AnalysisRecord{}).
		Where("internet_message_id = ?", internetMessageID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("查询分析记录失败 (message_id=%s): %w", internetMessageID, err)
	}
	return count > 0, nil
}

// gormTracingPlugin 向GORM操作注入OpenTelemetry追踪点
type gormTracingPlugin struct {
	dbName string
}

func (p *gormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

type gormSpanKey struct{}

// Initialize 为CRUD操作注册Before/After回调
func (p *gormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	if err := cb.Create().Before("gorm:create").Register("otel:before_create", p.before("INSERT")); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("otel:after_create", p.after()); err != nil {
		return err
	}
	if err := cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("otel:after_query", p.after()); err != nil {
		return err
	}
	return nil
}

func (p *gormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		ctx, span := mysqlTracer.Start(ctx, fmt.Sprintf("%s %s", operation, tableName),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		)
		db.Statement.Context = context.WithValue(ctx, gormSpanKey{}, span)
	}
}

func (p *gormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value(gormSpanKey{}).(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		if db.Error != nil {
			span.RecordError(db.Error)
			span.SetStatus(codes.Error, db.Error.Error())
			return
		}
		span.SetAttributes(attribute.Int64("db.rows_affected", db.RowsAffected))
	}
}
