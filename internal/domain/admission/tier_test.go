package admission

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTier(t *testing.T) {
	tests := []struct {
		input   string
		want    Tier
		wantErr bool
	}{
		{"anonymous", TierAnonymous, false},
		{"free", TierFree, false},
		{"basic", TierBasic, false},
		{"premium", TierPremium, false},
		{"FREE", "", true},
		{"", "", true},
		{"enterprise", "", true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("parse %q", tt.input), func(t *testing.T) {
			got, err := ParseTier(tt.input)
			if tt.wantErr {
				assert.True(t, IsConfigurationError(err))
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResourceKey_Classification(t *testing.T) {
	assert.True(t, ResourceRoomMembership.IsConcurrencyCapped())
	assert.False(t, ResourceInferenceRequest.IsConcurrencyCapped())

	assert.True(t, ResourceInferenceRequest.IsCostBearing())
	assert.True(t, ResourceReasoningRequest.IsCostBearing())
	assert.True(t, ResourceFileUpload.IsCostBearing())
	assert.False(t, ResourceMembershipProbe.IsCostBearing())
	assert.False(t, ResourceRoomCreation.IsCostBearing())

	assert.NotContains(t, WindowedResources(), ResourceRoomMembership)
	assert.Contains(t, AllResources(), ResourceRoomMembership)
}

func TestParseResourceKey(t *testing.T) {
	r, err := ParseResourceKey("file_upload")
	require.NoError(t, err)
	assert.Equal(t, ResourceFileUpload, r)

	_, err = ParseResourceKey("video_call")
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "UNKNOWN_RESOURCE", cfgErr.Reason)
}

func TestLimit(t *testing.T) {
	l := NewLimit().Hourly(8).Monthly(500).Build()

	assert.Equal(t, []Granularity{GranularityHour, GranularityMonth}, l.Granularities())
	assert.False(t, l.IsUnbounded())

	_, ok := l.Ceiling(GranularityDay)
	assert.False(t, ok)

	assert.True(t, Unbounded().IsUnbounded())
	assert.Empty(t, Unbounded().Granularities())
}

func TestMembership_StateMachine(t *testing.T) {
	joined := time.Date(2025, time.May, 1, 10, 0, 0, 0, time.UTC)

	t.Run("leave removes once", func(t *testing.T) {
		m := NewMembership("u2", "room-a", joined)
		assert.True(t, m.IsActive())

		require.NoError(t, m.Leave(joined.Add(time.Minute)))
		assert.Equal(t, MembershipRemoved, m.State)
		assert.Equal(t, RemovalLeave, m.RemovalReason)

		assert.ErrorIs(t, m.Evict("downgrade", joined.Add(2*time.Minute)), ErrMembershipRemoved)
		assert.Equal(t, RemovalLeave, m.RemovalReason)
	})

	t.Run("evict records note", func(t *testing.T) {
		m := NewMembership("u2", "room-a", joined)
		require.NoError(t, m.Evict("tier downgrade", joined))
		assert.Equal(t, RemovalEviction, m.RemovalReason)
		assert.Equal(t, "tier downgrade", m.EvictionNote)
		assert.ErrorIs(t, m.Leave(joined), ErrMembershipRemoved)
	})

	t.Run("rejoin creates new record", func(t *testing.T) {
		first := NewMembership("u2", "room-a", joined)
		require.NoError(t, first.Leave(joined))
		second := NewMembership("u2", "room-a", joined.Add(time.Hour))
		assert.NotEqual(t, first.ID, second.ID)
		assert.True(t, second.IsActive())
	})
}

func TestStoreUnavailable(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := StoreUnavailable("try increment", cause)

	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "try increment")

	assert.Same(t, err, StoreUnavailable("again", err))
	assert.NoError(t, StoreUnavailable("noop", nil))
}

func TestAdmissionResult_RetryAfterSeconds(t *testing.T) {
	assert.Equal(t, int64(0), AdmissionResult{}.RetryAfterSeconds())
	assert.Equal(t, int64(1), AdmissionResult{RetryAfter: time.Millisecond}.RetryAfterSeconds())
	assert.Equal(t, int64(60), AdmissionResult{RetryAfter: time.Minute}.RetryAfterSeconds())
	assert.Equal(t, int64(61), AdmissionResult{RetryAfter: time.Minute + time.Nanosecond}.RetryAfterSeconds())
}
