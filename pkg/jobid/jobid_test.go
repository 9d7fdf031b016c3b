package jobid

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipecheck/pkg/models"
)

func TestNew_RoundTrip(t *testing.T) {
	id, err := New(models.JobTypeConsistencyCheck, ContextKey{Database: "sharding_db"})
	require.NoError(t, err)

	assert.Equal(t, "j021", id[:4])
	assert.Len(t, id, headerLen+len("sharding_db")+suffixLen)

	jobType, err := ParseJobType(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeConsistencyCheck, jobType)

	key, err := ParseContextKey(id)
	require.NoError(t, err)
	assert.Equal(t, "sharding_db", key.Database)
}

func TestNew_Unique(t *testing.T) {
	a, err := New(models.JobTypeMigration, ContextKey{Database: "db"})
	require.NoError(t, err)
	b, err := New(models.JobTypeMigration, ContextKey{Database: "db"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNew_Rejects(t *testing.T) {
	_, err := New("UNKNOWN", ContextKey{Database: "db"})
	assert.True(t, errors.Is(err, ErrInvalidJobID))

	_, err = New(models.JobTypeMigration, ContextKey{})
	assert.True(t, errors.Is(err, ErrInvalidJobID))
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"short":        "j0110",
		"bad prefix":   "x01102db0123456789abcdef0123456789abcdef",
		"bad version":  "j01902db0123456789abcdef0123456789abcdef",
		"bad length":   "j0110zdb0123456789abcdef0123456789abcdef",
		"wrong length": "j01103db0123456789abcdef0123456789abcdef",
		"unknown code": "j99102db0123456789abcdef0123456789abcdef",
	}
	for name, id := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJobType(id)
			assert.True(t, errors.Is(err, ErrInvalidJobID), "got %v", err)
		})
	}
}

func TestParseContextKey_Fixed(t *testing.T) {
	key, err := ParseContextKey("j01102db0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, ContextKey{Database: "db"}, key)
}
