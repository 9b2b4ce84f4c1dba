package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAgingFactorFullWeightWithoutPriorMigration(t *testing.T) {
	r := New(nil, nil, nil, 5*time.Second)
	assert.Equal(t, 1.0, r.AgingFactor(time.Now()))
}

func TestAgingFactorDecaysTowardOneAfterInterval(t *testing.T) {
	r := New(nil, nil, nil, 5*time.Second)
	start := time.Now()
	r.NotifyMemoryMigration(start)

	immediate := r.AgingFactor(start)
	later := r.AgingFactor(start.Add(10 * time.Second))

	assert.Less(t, immediate, later)
	assert.Equal(t, 1.0, later)
}
