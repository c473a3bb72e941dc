package outbox

import (
	"context"
	"fmt"

	"mailschedule/pkg/trace"
)

// ReplayService 提供重放 Outbox 事件的服务（管理接口使用）
type ReplayService struct {
	store     Store
	publisher Publisher
}

func NewReplayService(store Store, publisher Publisher) *ReplayService {
	return &ReplayService{store: store, publisher: publisher}
}

// ReplayEvent 立即重发指定事件；失败时退回 pending 由 Dispatcher 继续重试
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) error {
	event, err := s.store.GetEventByID(ctx, eventID)
	if err != nil {
		return err
	}

	if traceID := traceIDFromPayload(event.Payload); traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}

	if err := s.publisher.PublishRaw(ctx, event.RoutingKey, event.Payload); err != nil {
		if resetErr := s.store.ReplayEvent(ctx, eventID); resetErr != nil {
			return fmt.Errorf("failed to publish and reset event: %w (reset error: %v)", err, resetErr)
		}
		return fmt.Errorf("failed to publish: %w", err)
	}

	if err := s.store.MarkAsSent(ctx, eventID); err != nil {
		return fmt.Errorf("failed to mark as sent: %w", err)
	}
	return nil
}

// ReplayFailedEvents 重放所有 failed 事件，返回成功数量
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.store.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	successCount := 0
	for _, event := range events {
		if err := s.ReplayEvent(ctx, event.ID); err != nil {
			continue
		}
		successCount++
	}
	return successCount, nil
}
