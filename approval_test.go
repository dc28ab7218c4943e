package onboard_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-onboard"
)

func newGate(t *testing.T, opts ...onboard.ApprovalOption) (*onboard.ApprovalGate, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]onboard.ApprovalOption{
		onboard.WithApprovalClock(clock.Now),
		onboard.WithApprovalLogger(MockLogger{}),
	}, opts...)
	return onboard.NewApprovalGate(onboard.NewMemoryProfileStore(), opts...), clock
}

func registerProfile(t *testing.T, gate *onboard.ApprovalGate, id, department string) *onboard.Profile {
	t.Helper()
	profile, err := gate.Register(context.Background(), id, onboard.ProfileInput{
		Name:       "User " + id,
		Email:      id + "@acme.io",
		Department: department,
	})
	require.NoError(t, err)
	return profile
}

func TestApprovalGate_Register(t *testing.T) {
	gate, clock := newGate(t)

	profile := registerProfile(t, gate, "id-1", "Director")
	assert.Equal(t, onboard.StatusPending, profile.Status)
	assert.Equal(t, onboard.RoleAdmin, profile.Role)
	assert.Equal(t, clock.Now(), profile.RegisteredAt)
	assert.Nil(t, profile.ApprovedAt)

	_, err := gate.Register(context.Background(), "id-1", onboard.ProfileInput{Department: "Sales"})
	assert.ErrorIs(t, err, onboard.ErrProvider)

	_, err = gate.Register(context.Background(), " ", onboard.ProfileInput{Department: "Sales"})
	assert.ErrorIs(t, err, onboard.ErrValidation)
}

func TestApprovalGate_Approve(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	gate, clock := newGate(t, onboard.WithApprovalActivitySink(sink))
	registerProfile(t, gate, "id-1", "Sales")

	clock.Advance(time.Hour)
	admin := onboard.ActorRef{ID: "admin-1", Type: "admin"}

	profile, err := gate.Approve(ctx, admin, "id-1")
	require.NoError(t, err)
	assert.Equal(t, onboard.StatusActive, profile.Status)
	assert.Equal(t, "admin-1", profile.ApprovedBy)
	require.NotNil(t, profile.ApprovedAt)
	assert.Equal(t, clock.Now(), *profile.ApprovedAt)

	status, err := gate.Status(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, onboard.StatusActive, status)

	event := sink.Last()
	assert.Equal(t, onboard.ActivityEventProfileApproved, event.EventType)
	assert.Equal(t, onboard.StatusPending, event.FromStatus)
	assert.Equal(t, onboard.StatusActive, event.ToStatus)
	assert.Equal(t, admin, event.Actor)
}

func TestApprovalGate_ApproveTwice(t *testing.T) {
	ctx := context.Background()
	gate, _ := newGate(t)
	registerProfile(t, gate, "id-1", "Sales")

	_, err := gate.Approve(ctx, onboard.ActorRef{ID: "admin-1"}, "id-1")
	require.NoError(t, err)

	profile, err := gate.Approve(ctx, onboard.ActorRef{ID: "admin-2"}, "id-1")
	require.ErrorIs(t, err, onboard.ErrAlreadyActive)
	require.NotNil(t, profile)
	assert.Equal(t, onboard.StatusActive, profile.Status)
	assert.Equal(t, "admin-1", profile.ApprovedBy, "second approval must not overwrite")
}

func TestApprovalGate_ApproveConcurrent(t *testing.T) {
	ctx := context.Background()
	gate, _ := newGate(t)
	registerProfile(t, gate, "id-1", "Sales")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		approved int
		already  int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.Approve(ctx, onboard.ActorRef{ID: "admin"}, "id-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				approved++
			case errors.Is(err, onboard.ErrAlreadyActive):
				already++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, approved)
	assert.Equal(t, 5, already)
}

func TestApprovalGate_ApproveUnknown(t *testing.T) {
	gate, _ := newGate(t)

	_, err := gate.Approve(context.Background(), onboard.ActorRef{ID: "admin"}, "missing")
	assert.ErrorIs(t, err, onboard.ErrProfileNotFound)

	_, err = gate.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, onboard.ErrProfileNotFound)
}

func TestApprovalGate_Hooks(t *testing.T) {
	ctx := context.Background()

	t.Run("before hook aborts", func(t *testing.T) {
		blocked := errors.New("blocked by policy")
		gate, _ := newGate(t, onboard.WithBeforeApprovalHook(func(context.Context, onboard.TransitionContext) error {
			return blocked
		}))
		registerProfile(t, gate, "id-1", "Sales")

		_, err := gate.Approve(ctx, onboard.ActorRef{ID: "admin"}, "id-1")
		require.ErrorIs(t, err, blocked)

		status, err := gate.Status(ctx, "id-1")
		require.NoError(t, err)
		assert.Equal(t, onboard.StatusPending, status)
	})

	t.Run("after hook sees update", func(t *testing.T) {
		var seen onboard.TransitionContext
		gate, _ := newGate(t, onboard.WithAfterApprovalHook(func(_ context.Context, tc onboard.TransitionContext) error {
			seen = tc
			return nil
		}))
		registerProfile(t, gate, "id-1", "Sales")

		_, err := gate.Approve(ctx, onboard.ActorRef{ID: "admin"}, "id-1")
		require.NoError(t, err)
		assert.Equal(t, onboard.StatusPending, seen.From)
		assert.Equal(t, onboard.StatusActive, seen.To)
		assert.Equal(t, onboard.StatusActive, seen.Profile.Status)
	})

	t.Run("error handler", func(t *testing.T) {
		var phase onboard.TransitionHookPhase
		gate, _ := newGate(t,
			onboard.WithAfterApprovalHook(func(context.Context, onboard.TransitionContext) error {
				return errors.New("notify failed")
			}),
			onboard.WithApprovalHookErrorHandler(func(_ context.Context, p onboard.TransitionHookPhase, _ error, _ onboard.TransitionContext) error {
				phase = p
				return nil
			}),
		)
		registerProfile(t, gate, "id-1", "Sales")

		profile, err := gate.Approve(ctx, onboard.ActorRef{ID: "admin"}, "id-1")
		require.NoError(t, err)
		assert.Equal(t, onboard.StatusActive, profile.Status)
		assert.Equal(t, onboard.HookPhaseAfter, phase)
	})
}

func TestApprovalGate_ListPending(t *testing.T) {
	ctx := context.Background()
	gate, clock := newGate(t)

	registerProfile(t, gate, "id-1", "Sales")
	clock.Advance(time.Minute)
	registerProfile(t, gate, "id-2", "Director")
	clock.Advance(time.Minute)
	registerProfile(t, gate, "id-3", "Support")

	_, err := gate.Approve(ctx, onboard.ActorRef{ID: "admin"}, "id-2")
	require.NoError(t, err)

	pending, err := gate.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "id-1", pending[0].ID)
	assert.Equal(t, "id-3", pending[1].ID)
}

func TestMemoryProfileStore_UpdateStatusIsConditional(t *testing.T) {
	ctx := context.Background()
	store := onboard.NewMemoryProfileStore()
	_, err := store.Create(ctx, &onboard.Profile{ID: "id-1", Status: onboard.StatusPending})
	require.NoError(t, err)

	change := onboard.StatusChange{From: onboard.StatusPending, To: onboard.StatusActive, Actor: onboard.ActorRef{ID: "admin"}}
	_, err = store.UpdateStatus(ctx, "id-1", change)
	require.NoError(t, err)

	_, err = store.UpdateStatus(ctx, "id-1", change)
	assert.ErrorIs(t, err, onboard.ErrInvalidTransition)

	_, err = store.UpdateStatus(ctx, "missing", change)
	assert.ErrorIs(t, err, onboard.ErrProfileNotFound)
}
