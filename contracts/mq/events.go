package mq

import "time"

// Routing keys on the "events" topic exchange.
const (
	RoutingKeyEmailIngested         = "email.ingested"
	RoutingKeyCalendarEventStaged   = "calendar_event.staged"
	RoutingKeyCalendarEventConfirm  = "calendar_event.confirmed"
	RoutingKeyCalendarConfirmFailed = "calendar_event.confirm_failed"
)

// Aggregate types stored on outbox rows.
const (
	AggregateEmail         = "email"
	AggregateCalendarEvent = "calendar_event"
)

// EmailIngestedPayload 邮件入库事件
type EmailIngestedPayload struct {
	EmailID         int64     `json:"email_id"`
	UserID          int64     `json:"user_id"`
	SourceMessageID string    `json:"source_message_id"`
	Subject         string    `json:"subject"`
	ReceivedAt      time.Time `json:"received_at"`
	TraceID         string    `json:"trace_id,omitempty"`
}

// CalendarEventStagedPayload 待确认日程创建事件
type CalendarEventStagedPayload struct {
	CalendarEventID int64     `json:"calendar_event_id"`
	EmailID         *int64    `json:"email_id,omitempty"`
	UserID          int64     `json:"user_id"`
	Summary         string    `json:"summary"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	TraceID         string    `json:"trace_id,omitempty"`
}

// CalendarEventConfirmedPayload 日程已写入外部日历，本地行已删除
type CalendarEventConfirmedPayload struct {
	CalendarEventID int64  `json:"calendar_event_id"`
	UserID          int64  `json:"user_id"`
	ExternalEventID string `json:"external_event_id"`
	HTMLLink        string `json:"html_link,omitempty"`
	TraceID         string `json:"trace_id,omitempty"`
}

// CalendarConfirmFailedPayload 外部日历调用失败，本地行保持不变
type CalendarConfirmFailedPayload struct {
	CalendarEventID int64  `json:"calendar_event_id"`
	UserID          int64  `json:"user_id"`
	Reason          string `json:"reason"`
	TraceID         string `json:"trace_id,omitempty"`
}
