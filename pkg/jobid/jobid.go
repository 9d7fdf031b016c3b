// Package jobid builds and parses pipeline job ids.
//
// A job id is "j" + job type code (2 chars) + version "1" + context key length (2 hex digits)
// + context key + 32 lowercase hex chars. The context key scopes governance data per database.
package jobid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"pipecheck/pkg/models"
)

const (
	prefix  = "j"
	version = "1"
	// prefix + type code + version + key length
	headerLen = 1 + 2 + 1 + 2
	suffixLen = 32
	maxKeyLen = 0xff
)

var ErrInvalidJobID = errors.New("invalid job id")

// ContextKey identifies the logical database a job belongs to.
type ContextKey struct {
	Database string
}

func (k ContextKey) String() string {
	return k.Database
}

// New returns a fresh job id of the given type scoped to the context key.
func New(jobType models.JobType, key ContextKey) (string, error) {
	code := jobType.Code()
	if code == "" {
		return "", fmt.Errorf("%w: unknown job type %q", ErrInvalidJobID, jobType)
	}
	if key.Database == "" || len(key.Database) > maxKeyLen {
		return "", fmt.Errorf("%w: context key length must be 1..%d", ErrInvalidJobID, maxKeyLen)
	}
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("%s%s%s%02x%s%s", prefix, code, version, len(key.Database), key.Database, suffix), nil
}

// ParseJobType extracts the job type from a job id.
func ParseJobType(jobID string) (models.JobType, error) {
	if err := validate(jobID); err != nil {
		return "", err
	}
	t, ok := models.JobTypeFromCode(jobID[1:3])
	if !ok {
		return "", fmt.Errorf("%w: unknown type code %q in %q", ErrInvalidJobID, jobID[1:3], jobID)
	}
	return t, nil
}

// ParseContextKey extracts the context key from a job id.
func ParseContextKey(jobID string) (ContextKey, error) {
	if err := validate(jobID); err != nil {
		return ContextKey{}, err
	}
	n, _ := strconv.ParseUint(jobID[4:6], 16, 8)
	return ContextKey{Database: jobID[headerLen : headerLen+int(n)]}, nil
}

func validate(jobID string) error {
	if len(jobID) < headerLen+1+suffixLen || !strings.HasPrefix(jobID, prefix) || jobID[3:4] != version {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	n, err := strconv.ParseUint(jobID[4:6], 16, 8)
	if err != nil || n == 0 {
		return fmt.Errorf("%w: bad context key length in %q", ErrInvalidJobID, jobID)
	}
	if len(jobID) != headerLen+int(n)+suffixLen {
		return fmt.Errorf("%w: length mismatch in %q", ErrInvalidJobID, jobID)
	}
	return nil
}
