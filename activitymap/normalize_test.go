package activitymap_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-onboard"
	"github.com/goliatone/go-onboard/activitymap"
)

func TestNormalizeApproval(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC)
	event := onboard.ActivityEvent{
		EventType:  onboard.ActivityEventProfileApproved,
		Actor:      onboard.ActorRef{ID: "admin-42", Type: "admin"},
		UserID:     "user-100",
		Email:      "Ann@Acme.io",
		FromStatus: onboard.StatusPending,
		ToStatus:   onboard.StatusActive,
		Metadata:   map[string]any{"ticket": "HR-204"},
		OccurredAt: ts,
	}

	out := activitymap.Normalize(event)

	assert.Equal(t, "admin-42", out.ActorID)
	assert.Equal(t, string(onboard.ActivityEventProfileApproved), out.Verb)
	assert.Equal(t, "account", out.ObjectType)
	assert.Equal(t, "user-100", out.ObjectID)
	assert.Equal(t, "onboard", out.Channel)
	assert.True(t, out.OccurredAt.Equal(ts))

	assert.Equal(t, "HR-204", out.Metadata["ticket"])
	assert.Equal(t, "admin", out.Metadata[activitymap.MetadataKeyActorType])
	assert.Equal(t, "PENDING", out.Metadata[activitymap.MetadataKeyFromStatus])
	assert.Equal(t, "ACTIVE", out.Metadata[activitymap.MetadataKeyToStatus])
	assert.Equal(t, "ann@acme.io", out.Metadata[activitymap.MetadataKeyEmail])

	assert.Len(t, event.Metadata, 1)
}

func TestNormalizeCodeRequestUsesEmail(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	out := activitymap.Normalize(onboard.ActivityEvent{
		EventType: onboard.ActivityEventOTPRequested,
		Email:     " Bob@Acme.io ",
	}, activitymap.WithClock(func() time.Time { return now }))

	assert.Equal(t, "system", out.ActorID)
	assert.Equal(t, "bob@acme.io", out.ObjectID)
	assert.Equal(t, now, out.OccurredAt)
	assert.Nil(t, out.Metadata)
}

func TestNormalizeOptions(t *testing.T) {
	t.Parallel()

	out := activitymap.Normalize(onboard.ActivityEvent{
		EventType: onboard.ActivityEventLoginFailure,
		Actor:     onboard.ActorRef{Type: "user"},
		Metadata:  map[string]any{activitymap.MetadataKeyActorType: "existing"},
	},
		activitymap.WithChannel(" audit "),
		activitymap.WithObjectType("identity"),
		activitymap.WithActorFallback("anonymous"),
	)

	assert.Equal(t, "anonymous", out.ActorID)
	assert.Equal(t, "audit", out.Channel)
	assert.Equal(t, "identity", out.ObjectType)
	assert.Equal(t, "existing", out.Metadata[activitymap.MetadataKeyActorType])
}

func TestSink(t *testing.T) {
	t.Parallel()

	var got []activitymap.Record
	sink := activitymap.Sink(func(_ context.Context, record activitymap.Record) error {
		got = append(got, record)
		return nil
	}, activitymap.WithChannel("test"))

	require.NoError(t, sink.Record(context.Background(), onboard.ActivityEvent{
		EventType: onboard.ActivityEventRegistrationCompleted,
		UserID:    "user-1",
	}))

	require.Len(t, got, 1)
	assert.Equal(t, "test", got[0].Channel)
	assert.Equal(t, "user-1", got[0].ObjectID)
}
