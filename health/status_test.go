package health

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	latticeerrors "github.com/latticeworks/lattice/errors"
)

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		level     string
		healthy   bool
		degraded  bool
		unhealthy bool
	}{
		{"healthy", true, false, false},
		{"degraded", false, true, false},
		{"unhealthy", false, false, true},
		{"", false, false, false},
	}

	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			s := Status{Status: tt.level}

			assert.Equal(t, tt.healthy, s.IsHealthy())
			assert.Equal(t, tt.degraded, s.IsDegraded())
			assert.Equal(t, tt.unhealthy, s.IsUnhealthy())
		})
	}
}

func TestWithMetrics(t *testing.T) {
	original := NewHealthy("ingest", "pool running")

	result := original.WithMetrics(&Metrics{
		Uptime:          time.Hour,
		ErrorCount:      5,
		EventsProcessed: 1200,
	})

	assert.Nil(t, original.Metrics, "original must stay untouched")
	require.NotNil(t, result.Metrics)
	assert.Equal(t, time.Hour, result.Metrics.Uptime)
	assert.Equal(t, 5, result.Metrics.ErrorCount)
	assert.Equal(t, int64(1200), result.Metrics.EventsProcessed)
}

func TestWithSubStatus(t *testing.T) {
	parent := NewHealthy("system", "ok")

	result := parent.WithSubStatus(NewUnhealthy("nats", "disconnected"))

	assert.Empty(t, parent.SubStatuses, "original must stay untouched")
	require.Len(t, result.SubStatuses, 1)
	assert.Equal(t, "nats", result.SubStatuses[0].Component)
}

func TestWithSubStatus_DoesNotShareBackingArray(t *testing.T) {
	parent := Status{
		Component:   "system",
		Status:      "healthy",
		SubStatuses: []Status{NewHealthy("graph-store", "ok")},
	}

	grown := parent.WithSubStatus(NewDegraded("nats", "reconnecting"))
	require.Len(t, grown.SubStatuses, 2)

	parent.SubStatuses[0].Status = "unhealthy"
	assert.Equal(t, "healthy", grown.SubStatuses[0].Status)
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantLevel   string
		wantMessage string
	}{
		{
			name:        "nil error is healthy",
			err:         nil,
			wantLevel:   "healthy",
			wantMessage: "operating normally",
		},
		{
			name: "transient error is degraded",
			err: latticeerrors.WrapTransient(
				stderrors.New("connection refused"),
				"Client", "Connect", "establish connection"),
			wantLevel: "degraded",
		},
		{
			name: "fatal error is unhealthy",
			err: latticeerrors.WrapFatal(
				stderrors.New("corrupt manifest"),
				"LinkStore", "Open", "open database"),
			wantLevel: "unhealthy",
		},
		{
			name:      "unclassified error is unhealthy",
			err:       stderrors.New("something broke"),
			wantLevel: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FromError("graph-store", tt.err)

			assert.Equal(t, "graph-store", result.Component)
			assert.Equal(t, tt.wantLevel, result.Status)
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, result.Message)
			}
			assert.False(t, result.Timestamp.IsZero())
		})
	}
}

func TestFromError_SanitizesMessage(t *testing.T) {
	err := latticeerrors.WrapTransient(
		stderrors.New("dial nats://10.0.0.5:4222 failed"),
		"Client", "Connect", "establish connection")

	result := FromError("nats", err)

	require.Equal(t, "degraded", result.Status)
	assert.NotContains(t, result.Message, "nats://")
	assert.NotContains(t, result.Message, "10.0.0.5")
	assert.NotContains(t, result.Message, "4222")
}
