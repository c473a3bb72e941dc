package outbox

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
)

// InsertEventInTx 编码 payload 并在事务中写入 outbox
func InsertEventInTx(
	ctx context.Context,
	tx pgx.Tx,
	aggregateType string,
	aggregateID *int64,
	routingKey string,
	payload interface{},
) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return InsertEvent(ctx, tx, &Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       payloadJSON,
		Status:        StatusPending,
	})
}

// traceIDFromPayload 读取 payload 顶层的 trace_id 字段
func traceIDFromPayload(payload json.RawMessage) string {
	var probe struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.TraceID
}
