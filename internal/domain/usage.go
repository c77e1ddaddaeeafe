package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CallType string

const (
	CallTypeChat      CallType = "chat"
	CallTypeEmbedding CallType = "embedding"
	CallTypeImage     CallType = "image"
	CallTypeAudio     CallType = "audio"
	CallTypeVideo     CallType = "video"
	CallTypeCustom    CallType = "custom"
)

type CallStatus string

const (
	CallStatusSuccess  CallStatus = "success"
	CallStatusFailed   CallStatus = "failed"
	CallStatusCanceled CallStatus = "canceled"
)

// RawModelCall is recorded once when a call finishes and is never updated.
type RawModelCall struct {
	ID               string          `json:"id"`
	RequestID        string          `json:"request_id"`
	UserID           string          `json:"user_id"`
	AppID            string          `json:"app_id"`
	ModelID          string          `json:"model_id"`
	Provider         string          `json:"provider"`
	CallType         CallType        `json:"call_type"`
	Status           CallStatus      `json:"status"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	TotalTokens      int64           `json:"total_tokens"`
	MediaUnits       int64           `json:"media_units"`
	DurationMs       int64           `json:"duration_ms"`
	Credits          decimal.Decimal `json:"credits"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

type TimeType string

const (
	TimeTypeHour  TimeType = "hour"
	TimeTypeDay   TimeType = "day"
	TimeTypeMonth TimeType = "month"
)

var TimeTypes = []TimeType{TimeTypeHour, TimeTypeDay, TimeTypeMonth}

func (t TimeType) Valid() bool {
	switch t {
	case TimeTypeHour, TimeTypeDay, TimeTypeMonth:
		return true
	}
	return false
}

// Floor returns the start of the bucket containing ts, in UTC.
func (t TimeType) Floor(ts time.Time) time.Time {
	ts = ts.UTC()
	switch t {
	case TimeTypeHour:
		return ts.Truncate(time.Hour)
	case TimeTypeDay:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	case TimeTypeMonth:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return ts
}

// Ceil returns ts when it is already a bucket boundary, otherwise the start of the next bucket.
func (t TimeType) Ceil(ts time.Time) time.Time {
	f := t.Floor(ts)
	if f.Equal(ts.UTC()) {
		return f
	}
	return t.Next(f)
}

// Next returns the start of the bucket after the one starting at start.
func (t TimeType) Next(start time.Time) time.Time {
	switch t {
	case TimeTypeHour:
		return start.Add(time.Hour)
	case TimeTypeDay:
		return start.AddDate(0, 0, 1)
	case TimeTypeMonth:
		return start.AddDate(0, 1, 0)
	}
	return start
}

// Scope values use "" to mean "all": a bucket with UserScope "" and AppScope "x"
// is the per-app series for x; both empty is the system-wide total.
type BucketKey struct {
	UserScope   string    `json:"user_scope"`
	AppScope    string    `json:"app_scope"`
	ModelID     string    `json:"model_id"`
	TimeType    TimeType  `json:"time_type"`
	BucketStart time.Time `json:"bucket_start"`
}

type UsageBucket struct {
	BucketKey
	CallCount        int64           `json:"call_count"`
	FailedCount      int64           `json:"failed_count"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	TotalTokens      int64           `json:"total_tokens"`
	MediaUnits       int64           `json:"media_units"`
	DurationMs       int64           `json:"duration_ms"`
	Credits          decimal.Decimal `json:"credits"`
}

// Add folds one call into the bucket sums.
func (b *UsageBucket) Add(c RawModelCall) {
	b.CallCount++
	if c.Status != CallStatusSuccess {
		b.FailedCount++
	}
	b.PromptTokens += c.PromptTokens
	b.CompletionTokens += c.CompletionTokens
	b.TotalTokens += c.TotalTokens
	b.MediaUnits += c.MediaUnits
	b.DurationMs += c.DurationMs
	b.Credits = b.Credits.Add(c.Credits)
}

type ArchiveStatus string

const (
	ArchiveStatusSuccess ArchiveStatus = "success"
	ArchiveStatusFailed  ArchiveStatus = "failed"
)

// ArchiveExecutionLog is written once per archival attempt, failed ones included.
type ArchiveExecutionLog struct {
	ID            string        `json:"id"`
	TableName     string        `json:"table_name"`
	Status        ArchiveStatus `json:"status"`
	ArchivedCount int64         `json:"archived_count"`
	RangeStart    time.Time     `json:"range_start"`
	RangeEnd      time.Time     `json:"range_end"`
	Target        string        `json:"target"`
	DurationMs    int64         `json:"duration_ms"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}
