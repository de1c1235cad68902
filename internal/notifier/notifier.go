package notifier

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const DefaultQueueSize = 256

// Notifier 是即发即弃的通知接口, 实现不得阻塞或向调用方抛出错误
type Notifier interface {
	Notify(text string)
}

// Sender 负责把一条消息投递到具体渠道
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Nop 丢弃所有通知
type Nop struct{}

func (Nop) Notify(string) {}

// Dispatcher 把通知放入 FIFO 队列, 由单个后台 worker 依次投递给所有 Sender。
// 队列已满时新消息被丢弃。
type Dispatcher struct {
	queue   chan string
	senders []Sender
	logger  *zap.Logger
	dropped atomic.Int64
}

func NewDispatcher(size int, logger *zap.Logger, senders ...Sender) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Dispatcher{
		queue:   make(chan string, size),
		senders: senders,
		logger:  logger,
	}
}

// Notify enqueues text without blocking.
func (d *Dispatcher) Notify(text string) {
	select {
	case d.queue <- text:
	default:
		d.dropped.Add(1)
		d.logger.Warn("通知队列已满, 丢弃消息", zap.String("text", text))
	}
}

// Dropped returns how many notifications were discarded on a full queue.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run 阻塞在队列上直到 ctx 结束, 结束前尽力投递已排队的消息
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case text := <-d.queue:
			d.deliver(ctx, text)
		case <-ctx.Done():
			for {
				select {
				case text := <-d.queue:
					d.deliver(context.Background(), text)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, text string) {
	for _, s := range d.senders {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("通知发送异常", zap.Any("panic", r))
				}
			}()
			if err := s.Send(ctx, text); err != nil {
				d.logger.Warn("通知发送失败", zap.Error(err))
			}
		}()
	}
}

// LogSender 把通知写入日志
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, text string) error {
	s.logger.Info("通知", zap.String("text", text))
	return nil
}

// TelegramSender 通过 Telegram 机器人推送通知
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramSender(token, chatID string) (*TelegramSender, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("无效的 Telegram chat id %q: %w", chatID, err)
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("初始化 Telegram 机器人失败: %w", err)
	}
	return &TelegramSender{bot: bot, chatID: id}, nil
}

func (s *TelegramSender) Send(_ context.Context, text string) error {
	_, err := s.bot.Send(tgbotapi.NewMessage(s.chatID, text))
	return err
}
