package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"email-intake-go/internal/config"
	"email-intake-go/internal/logger"
)

// MessageQueue 消息队列接口：邮件工件的at-least-once投递通道
type MessageQueue interface {
	// PublishMessage 发布消息到exchange
	PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error

	// PublishJSON 发布JSON格式消息
	PublishJSON(ctx context.Context, exchangeName, routingKey string, data interface{}, persistent bool) error

	// EnsureTopology 确保exchange、队列与绑定存在
	EnsureTopology(exchangeName, queueName, routingKey string) error

	// StartConsumer 启动消费者，handler返回true时Ack，返回false时Nack并重新入队
	// 返回的stop函数用于停止消费
	StartConsumer(queueName string, prefetchCount int, handler func([]byte) bool) (func(), error)

	// Close 关闭连接
	Close() error
}

// 确保RabbitMQ实现了MessageQueue接口
var _ MessageQueue = (*RabbitMQ)(nil)

// RabbitMQ 提供消息队列功能
type RabbitMQ struct {
	conn         *amqp.Connection
	channelPool  sync.Pool
	publishMutex sync.Mutex
	cfg          *config.RabbitMQConfig
}

// NewRabbitMQ 创建RabbitMQ客户端
func NewRabbitMQ(cfg *config.RabbitMQConfig) (*RabbitMQ, error) {
	if cfg == nil {
		return nil, fmt.Errorf("RabbitMQ配置不能为空")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL配置不能为空")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("无法连接到RabbitMQ服务器 (%s): %w", cfg.URL, err)
	}

	mq := &RabbitMQ{
		conn: conn,
		cfg:  cfg,
	}

	mq.channelPool = sync.Pool{
		New: func() interface{} {
			ch, errPool := conn.Channel()
			if errPool != nil {
				logger.Error().Err(errPool).Msg("创建RabbitMQ通道失败")
				return nil
			}
			return ch
		},
	}

	// 校验连接确实能开通道
	testCh := mq.getChannel()
	if testCh == nil {
		conn.Close()
		return nil, fmt.Errorf("无法创建RabbitMQ通道")
	}
	mq.putChannel(testCh)

	logger.Info().Str("url", cfg.URL).Msg("成功连接到RabbitMQ服务器")
	return mq, nil
}

func (r *RabbitMQ) getChannel() *amqp.Channel {
	ch := r.channelPool.Get()
	if ch == nil {
		newCh, err := r.conn.Channel()
		if err != nil {
			logger.Error().Err(err).Msg("创建新RabbitMQ通道失败")
			return nil
		}
		return newCh
	}
	return ch.(*amqp.Channel)
}

func (r *RabbitMQ) putChannel(ch *amqp.Channel) {
	if ch != nil {
		r.channelPool.Put(ch)
	}
}

// Close 关闭连接
func (r *RabbitMQ) Close() error {
	return r.conn.Close()
}

// EnsureTopology 声明exchange、队列并完成绑定，均为持久化
func (r *RabbitMQ) EnsureTopology(exchangeName, queueName, routingKey string) error {
	if exchangeName == "" || queueName == "" {
		return fmt.Errorf("exchange和队列名称不能为空")
	}

	ch := r.getChannel()
	if ch == nil {
		return fmt.Errorf("无法获取RabbitMQ通道")
	}
	defer r.putChannel(ch)

	if err := ch.ExchangeDeclare(
		exchangeName, // exchange名称
		"direct",     // exchange类型
		true,         // 持久化
		false,        // 自动删除
		false,        // 内部专用
		false,        // 非阻塞
		nil,          // 参数
	); err != nil {
		return fmt.Errorf("声明exchange失败: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queueName, // 队列名称
		true,      // 持久化
		false,     // 自动删除
		false,     // 独占
		false,     // 非阻塞
		nil,       // 参数
	); err != nil {
		return fmt.Errorf("声明队列失败: %w", err)
	}

	if err := ch.QueueBind(queueName, routingKey, exchangeName, false, nil); err != nil {
		return fmt.Errorf("绑定队列到exchange失败: %w", err)
	}

	logger.Info().
		Str("exchange", exchangeName).
		Str("queue", queueName).
		Str("routing_key", routingKey).
		Msg("RabbitMQ拓扑已就绪")
	return nil
}

// PublishMessage 发布消息到exchange
func (r *RabbitMQ) PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error {
	r.publishMutex.Lock()
	defer r.publishMutex.Unlock()

	ch := r.getChannel()
	if ch == nil {
		return fmt.Errorf("无法获取RabbitMQ通道")
	}
	defer r.putChannel(ch)

	var deliveryMode uint8 = 1 // 非持久化
	if persistent {
		deliveryMode = 2 // 持久化
	}

	return ch.PublishWithContext(
		ctx,
		exchangeName,
		routingKey,
		false, // 强制
		false, // 立即
		amqp.Publishing{
			DeliveryMode: deliveryMode,
			ContentType:  "application/json",
			Body:         message,
			Timestamp:    time.Now(),
		},
	)
}

// PublishJSON 发布JSON格式的消息
func (r *RabbitMQ) PublishJSON(ctx context.Context, exchangeName, routingKey string, data interface{}, persistent bool) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("JSON序列化失败: %w", err)
	}
	return r.PublishMessage(ctx, exchangeName, routingKey, jsonData, persistent)
}

// StartConsumer 启动消费者处理函数
// handler返回true则Ack；返回false则Nack并重新入队，由broker提供管道自身不做的重试
func (r *RabbitMQ) StartConsumer(queueName string, prefetchCount int, handler func([]byte) bool) (func(), error) {
	stopCh := make(chan struct{})
	var stopOnce sync.Once

	ch := r.getChannel()
	if ch == nil {
		return nil, fmt.Errorf("无法获取RabbitMQ通道")
	}

	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		r.putChannel(ch)
		return nil, fmt.Errorf("设置QoS失败: %w", err)
	}

	deliveries, err := ch.Consume(
		queueName, // 队列
		"",        // 消费者标签，留空由server生成
		false,     // 自动确认
		false,     // 独占
		false,     // 非本地
		false,     // 非阻塞
		nil,       // 参数
	)
	if err != nil {
		r.putChannel(ch)
		return nil, fmt.Errorf("注册消费者失败: %w", err)
	}

	go func() {
		defer r.putChannel(ch)
		defer logger.Info().Str("queue", queueName).Msg("RabbitMQ消费者已停止")

		logger.Info().
			Str("queue", queueName).
			Int("prefetch", prefetchCount).
			Msg("RabbitMQ消费者已启动")

		for {
			select {
			case <-stopCh:
				return
			case delivery, ok := <-deliveries:
				if !ok {
					logger.Warn().Msg("RabbitMQ通道已关闭")
					return
				}

				if handler(delivery.Body) {
					if err := delivery.Ack(false); err != nil {
						logger.Error().Err(err).Msg("确认消息失败")
					}
				} else {
					if err := delivery.Nack(false, true); err != nil {
						logger.Error().Err(err).Msg("拒绝消息失败")
					}
				}
			}
		}
	}()

	stop := func() {
		stopOnce.Do(func() { close(stopCh) })
	}
	return stop, nil
}
