package models

import "time"

// JobItemProgress is the persisted progress of one job item attempt.
// (JobID, ShardingItem) is unique; writes are upserts.
type JobItemProgress struct {
	JobID             string     `json:"job_id" gorm:"primaryKey"`
	ShardingItem      int        `json:"sharding_item" gorm:"primaryKey;autoIncrement:false"`
	Status            JobStatus  `json:"status" gorm:"type:varchar(20);not null;index"`
	NodeID            *string    `json:"node_id" gorm:"index"`
	CheckedTableNames TableNames `json:"checked_table_names" gorm:"type:jsonb"`
	CheckBeginTime    *time.Time `json:"check_begin_time"`
	CheckEndTime      *time.Time `json:"check_end_time"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (JobItemProgress) TableName() string {
	return "job_item_progress"
}

// JobItemError is the last error message reported for a job item.
type JobItemError struct {
	JobID        string    `json:"job_id" gorm:"primaryKey"`
	ShardingItem int       `json:"sharding_item" gorm:"primaryKey;autoIncrement:false"`
	Message      string    `json:"message" gorm:"type:text;not null"`
	ReportedAt   time.Time `json:"reported_at"`
}

func (JobItemError) TableName() string {
	return "job_item_errors"
}

// CommandAction is what a worker is asked to do with a check job.
type CommandAction string

const (
	CommandStart CommandAction = "START"
	CommandStop  CommandAction = "STOP"
)

// JobCommand is the payload of the worker command stream.
type JobCommand struct {
	Action    CommandAction `json:"action"`
	JobID     string        `json:"job_id"`
	IssuedAt  time.Time     `json:"issued_at"`
	RequestID string        `json:"request_id,omitempty"`
}
