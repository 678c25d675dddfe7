package storage

import "time"

// Delivery outcomes.
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// DeliveryRecord audits one delivery attempt.
type DeliveryRecord struct {
	ID            int64
	OpportunityID string
	UserID        string
	Status        string
	Error         *string
	CreatedAt     time.Time
}

// QuotaSnapshot captures credit usage at the end of a refresh tick.
type QuotaSnapshot struct {
	Provider     string
	Day          time.Time
	DayUsed      int
	PriorityUsed int
	MonthUsed    int
	DailyTarget  int
	MonthlyLimit int
	RecordedAt   time.Time
}
