package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// JobType identifies the kind of pipeline job. The two-character code is embedded in job ids.
type JobType string

const (
	JobTypeMigration        JobType = "MIGRATION"
	JobTypeConsistencyCheck JobType = "CONSISTENCY_CHECK"
	JobTypeCDC              JobType = "CDC"
)

var jobTypeCodes = map[JobType]string{
	JobTypeMigration:        "01",
	JobTypeConsistencyCheck: "02",
	JobTypeCDC:              "03",
}

// Code returns the two-character id code of the job type, or "" if unknown.
func (t JobType) Code() string {
	return jobTypeCodes[t]
}

// JobTypeFromCode is the inverse of JobType.Code.
func JobTypeFromCode(code string) (JobType, bool) {
	for t, c := range jobTypeCodes {
		if c == code {
			return t, true
		}
	}
	return "", false
}

// JobStatus represents the state of a job item attempt.
type JobStatus string

const (
	JobStatusRunning  JobStatus = "RUNNING"
	JobStatusFinished JobStatus = "FINISHED"
	JobStatusFailed   JobStatus = "FAILED"
)

// Properties is an opaque key-value bag stored as jsonb.
type Properties map[string]string

func (p *Properties) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, p)
}

func (p Properties) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// TableNames is a list of table names stored as jsonb.
type TableNames []string

func (t *TableNames) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, t)
}

func (t TableNames) Value() (driver.Value, error) {
	return json.Marshal(t)
}

// PipelineJobConfiguration is the configuration of a data migration job, the parent of check jobs.
type PipelineJobConfiguration struct {
	JobID     string         `json:"job_id" gorm:"primaryKey"`
	Type      JobType        `json:"type" gorm:"type:varchar(32);not null"`
	SourceDSN string         `json:"source_dsn" gorm:"not null"`
	TargetDSN string         `json:"target_dsn" gorm:"not null"`
	Tables    TableNames     `json:"tables" gorm:"type:jsonb"`
	Disabled  bool           `json:"disabled" gorm:"default:false"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

func (PipelineJobConfiguration) TableName() string {
	return "pipeline_jobs"
}

// CheckJobConfiguration is the immutable configuration of one consistency check job.
// AlgorithmProps are passed through to the checker unmodified.
type CheckJobConfiguration struct {
	JobID             string     `json:"job_id" gorm:"primaryKey"`
	ParentJobID       string     `json:"parent_job_id" gorm:"not null;index"`
	AlgorithmTypeName string     `json:"algorithm_type_name" gorm:"not null"`
	AlgorithmProps    Properties `json:"algorithm_props" gorm:"type:jsonb"`
	Disabled          bool       `json:"disabled" gorm:"default:false"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (CheckJobConfiguration) TableName() string {
	return "check_jobs"
}

// TableCheckResult is the consistency check outcome of one table.
type TableCheckResult struct {
	Matched            bool   `json:"matched" yaml:"matched"`
	SourceRecordsCount int64  `json:"source_records_count" yaml:"sourceRecordsCount"`
	TargetRecordsCount int64  `json:"target_records_count" yaml:"targetRecordsCount"`
	IgnoredType        string `json:"ignored_type,omitempty" yaml:"ignoredType,omitempty"`
}

// CheckResultMap maps table name to its check result.
type CheckResultMap map[string]TableCheckResult
