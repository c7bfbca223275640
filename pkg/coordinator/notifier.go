package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/pursuitworks/govern/pkg/store"
)

// Notifier delivers one approval notification to its transport.
type Notifier interface {
	Notify(ctx context.Context, n store.NotificationPayload) error
}

// DefaultNotificationQueue is the Redis list consumed by the delivery
// worker.
const DefaultNotificationQueue = "govern:notifications"

// RedisNotifier pushes notifications onto a Redis list. Delivery to the
// approver (email, chat) is handled by a worker on the other side of
// the queue.
type RedisNotifier struct {
	client *redis.Client
	queue  string
}

// NewRedisNotifier builds a notifier over an existing client. An empty
// queue name uses DefaultNotificationQueue.
func NewRedisNotifier(client *redis.Client, queue string) *RedisNotifier {
	if queue == "" {
		queue = DefaultNotificationQueue
	}
	return &RedisNotifier{client: client, queue: queue}
}

func (n *RedisNotifier) Notify(ctx context.Context, p store.NotificationPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("coordinator: notification encoding failed: %w", err)
	}
	if err := n.client.LPush(ctx, n.queue, body).Err(); err != nil {
		return fmt.Errorf("coordinator: notification push failed: %w", err)
	}
	return nil
}

// DefaultAutomationQueue is the Redis list consumed by the external
// automation executor.
const DefaultAutomationQueue = "govern:automation"

// RedisTrigger pushes automation hand-offs onto a Redis list. The
// external executor reports back through the run result API.
type RedisTrigger struct {
	client *redis.Client
	queue  string
}

// NewRedisTrigger builds a trigger over an existing client. An empty
// queue name uses DefaultAutomationQueue.
func NewRedisTrigger(client *redis.Client, queue string) *RedisTrigger {
	if queue == "" {
		queue = DefaultAutomationQueue
	}
	return &RedisTrigger{client: client, queue: queue}
}

func (t *RedisTrigger) Trigger(ctx context.Context, p store.AutomationPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("coordinator: automation encoding failed: %w", err)
	}
	if err := t.client.LPush(ctx, t.queue, body).Err(); err != nil {
		return fmt.Errorf("coordinator: automation push failed: %w", err)
	}
	return nil
}

// LogTrigger logs automation hand-offs. Runs stay pending until an
// operator or external process reports the result.
type LogTrigger struct {
	Logger *slog.Logger
}

func (t LogTrigger) Trigger(_ context.Context, p store.AutomationPayload) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("automation handoff", "submission_id", p.SubmissionID, "run_id", p.RunID)
	return nil
}

// LogNotifier writes notifications to the log. Used in development and
// in deployments without a notification queue.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, p store.NotificationPayload) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"kind", p.Kind, "submission_id", p.SubmissionID,
		"step", p.StepName, "approver_id", p.ApproverID)
	return nil
}
