// Package activitymap flattens onboard activity events into a transport
// neutral record for audit pipelines.
package activitymap

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-onboard"
)

const (
	MetadataKeyActorType  = "actor_type"
	MetadataKeyFromStatus = "from_status"
	MetadataKeyToStatus   = "to_status"
	MetadataKeyEmail      = "email"
)

const (
	defaultChannel    = "onboard"
	defaultObjectType = "account"
	defaultActorID    = "system"
)

// Record is the normalized activity shape.
type Record struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option customizes normalization.
type Option func(*options)

type options struct {
	channel       string
	objectType    string
	actorFallback string
	now           func() time.Time
}

func WithChannel(channel string) Option {
	return func(o *options) {
		o.channel = strings.TrimSpace(channel)
	}
}

func WithObjectType(objectType string) Option {
	return func(o *options) {
		o.objectType = strings.TrimSpace(objectType)
	}
}

// WithActorFallback is used when the event carries neither actor nor user.
func WithActorFallback(actorID string) Option {
	return func(o *options) {
		o.actorFallback = strings.TrimSpace(actorID)
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func resolve(opts []Option) options {
	o := options{
		channel:       defaultChannel,
		objectType:    defaultObjectType,
		actorFallback: defaultActorID,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Normalize converts event into a Record. Events raised before an identity
// exists, such as code requests, use the email as object id.
func Normalize(event onboard.ActivityEvent, opts ...Option) Record {
	o := resolve(opts)

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = o.now().UTC()
	}

	return Record{
		ActorID: firstNonEmpty(
			strings.TrimSpace(event.Actor.ID),
			strings.TrimSpace(event.UserID),
			o.actorFallback,
		),
		Verb:       string(event.EventType),
		ObjectType: o.objectType,
		ObjectID:   firstNonEmpty(strings.TrimSpace(event.UserID), onboard.NormalizeEmail(event.Email)),
		Channel:    o.channel,
		Metadata:   metadata(event),
		OccurredAt: occurredAt,
	}
}

// Sink adapts a Record consumer to onboard.ActivitySink.
func Sink(emit func(ctx context.Context, record Record) error, opts ...Option) onboard.ActivitySink {
	return onboard.ActivitySinkFunc(func(ctx context.Context, event onboard.ActivityEvent) error {
		return emit(ctx, Normalize(event, opts...))
	})
}

func metadata(event onboard.ActivityEvent) map[string]any {
	out := make(map[string]any, len(event.Metadata)+4)
	for key, value := range event.Metadata {
		out[key] = value
	}

	if actorType := strings.TrimSpace(event.Actor.Type); actorType != "" {
		if _, exists := out[MetadataKeyActorType]; !exists {
			out[MetadataKeyActorType] = actorType
		}
	}
	if event.FromStatus != "" {
		out[MetadataKeyFromStatus] = string(event.FromStatus)
	}
	if event.ToStatus != "" {
		out[MetadataKeyToStatus] = string(event.ToStatus)
	}
	if event.UserID != "" && event.Email != "" {
		out[MetadataKeyEmail] = onboard.NormalizeEmail(event.Email)
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
