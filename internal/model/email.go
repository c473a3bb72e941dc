package model

import "time"

// StoredEmail 每个 source_message_id 至多一行
type StoredEmail struct {
	ID              int64
	UserID          int64
	SourceMessageID string
	ThreadID        string
	FromAddress     string
	ToAddress       string
	Subject         string
	ReceivedAt      time.Time
	Snippet         string
	BodyText        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StoredCalendarEvent 是待确认的日程；EmailID 是弱引用，邮件删除时置空
type StoredCalendarEvent struct {
	ID          int64
	UserID      int64
	EmailID     *int64
	Summary     string
	Location    string
	Description string
	StartTime   time.Time
	EndTime     time.Time
	Attendees   string // 逗号分隔的邮箱地址
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CalendarEventPatch 部分更新，nil 字段保持不变
type CalendarEventPatch struct {
	Summary     *string
	Location    *string
	Description *string
	StartTime   *time.Time
	EndTime     *time.Time
	Attendees   *string
}
