package models

import "time"

// Ingestion outcomes
const (
	LogStatusSuccess   = "SUCCESS"
	LogStatusDuplicate = "DUPLICATE"
	LogStatusError     = "ERROR"
)

// LogMessage is published once per ingestion attempt.
type LogMessage struct {
	Timestamp    time.Time `json:"timestamp"`
	Service      string    `json:"service"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// HourWindowLayout formats a window start. Hour-aligned windows render as
// YYYY-MM-DD HH:00:00.
const HourWindowLayout = "2006-01-02 15:04:05"

// HourlyCount is the finalized count of one closed window of one source
// partition. The hour's total is the sum over partitions.
type HourlyCount struct {
	HourWindow       string `json:"hour_window"`
	TransactionCount int64  `json:"transaction_count"`
	Partition        int    `json:"partition"`
}

// NewHourlyCount formats the window start in UTC.
func NewHourlyCount(windowStart time.Time, count int64) HourlyCount {
	return HourlyCount{
		HourWindow:       windowStart.UTC().Format(HourWindowLayout),
		TransactionCount: count,
	}
}
