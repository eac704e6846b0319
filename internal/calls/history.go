package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zvonok/internal/logging"
	"zvonok/internal/models"
)

var (
	ErrNotInitiated         = errors.New("call is not in initiated state")
	ErrEndBeforeStart       = errors.New("call end time is before its start time")
	ErrInconsistentDuration = errors.New("call duration does not match end time")
)

type Store interface {
	CreateCall(call models.CallHistory) (models.CallHistory, error)
	GetCall(id int64) (models.CallHistory, error)
	UpdateCall(id int64, update func(models.CallHistory) (models.CallHistory, error)) (models.CallHistory, error)
	UpdateLatestOpenCall(callerID, receiverID string, update func(models.CallHistory) (models.CallHistory, error)) (models.CallHistory, bool, error)
	ListCallsForUser(userID string) ([]models.CallHistory, error)
	ListCallsBetween(userID, peerID string) ([]models.CallHistory, error)
}

type Directory interface {
	GetUser(id string) (models.User, error)
}

type Config struct {
	Store     Store
	Directory Directory
	Logger    *slog.Logger
}

// Tracker records the lifecycle of calls. A record starts initiated and
// moves exactly once to a terminal status.
type Tracker struct {
	store     Store
	directory Directory
	log       *slog.Logger
	now       func() time.Time
}

func NewTracker(config Config) *Tracker {
	return &Tracker{
		store:     config.Store,
		directory: config.Directory,
		log:       logging.OrDefault(config.Logger),
		now:       time.Now,
	}
}

// StartCall creates an initiated record starting now and returns its id.
func (t *Tracker) StartCall(ctx context.Context, callerID, receiverID string, callType models.CallType) (int64, error) {
	if !callType.Valid() {
		return 0, fmt.Errorf("%w: call type %q", models.ErrMalformedPayload, callType)
	}
	call, err := t.store.CreateCall(models.CallHistory{
		CallerID:   callerID,
		ReceiverID: receiverID,
		CallType:   callType,
		CallStatus: models.CallStatusInitiated,
		StartTime:  t.now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to start call: %w", err)
	}
	t.log.InfoContext(ctx, "call started", logging.Call(call.ID), logging.User(callerID), logging.Peer(receiverID), slog.String("call_type", string(callType)))
	return call.ID, nil
}

// UpdateByParticipants moves the most recent initiated record of exactly
// (caller, receiver) to status. The lookup is ordered: a call the receiver
// placed to the caller is a different record. found is false, and nothing
// changes, when no such record exists.
func (t *Tracker) UpdateByParticipants(ctx context.Context, callerID, receiverID string, status models.CallStatus, endTime *time.Time, duration *int) (call models.CallHistory, found bool, err error) {
	if !status.Terminal() {
		return models.CallHistory{}, false, fmt.Errorf("%w: %q", models.ErrInvalidStatus, status)
	}

	call, found, err = t.store.UpdateLatestOpenCall(callerID, receiverID, transition(status, endTime, duration))
	if err != nil {
		return models.CallHistory{}, false, fmt.Errorf("failed to update call: %w", err)
	}
	if !found {
		t.log.InfoContext(ctx, "no initiated call to update", logging.User(callerID), logging.Peer(receiverID), slog.String("status", string(status)))
		return models.CallHistory{}, false, nil
	}

	t.log.InfoContext(ctx, "call updated", logging.Call(call.ID), slog.String("status", string(call.CallStatus)))
	return call, true, nil
}

// UpdateStatus moves the record with the given id to status.
func (t *Tracker) UpdateStatus(ctx context.Context, id int64, status models.CallStatus, endTime *time.Time, duration *int) (models.CallHistory, error) {
	if !status.Terminal() {
		return models.CallHistory{}, fmt.Errorf("%w: %q", models.ErrInvalidStatus, status)
	}
	call, err := t.store.UpdateCall(id, transition(status, endTime, duration))
	if err != nil {
		return models.CallHistory{}, fmt.Errorf("failed to update call %d: %w", id, err)
	}
	t.log.InfoContext(ctx, "call updated", logging.Call(call.ID), slog.String("status", string(call.CallStatus)))
	return call, nil
}

func (t *Tracker) Get(_ context.Context, id int64) (models.CallHistory, error) {
	return t.store.GetCall(id)
}

// History lists calls the user took part in, newest first.
func (t *Tracker) History(ctx context.Context, userID string) ([]models.CallHistoryEntry, error) {
	calls, err := t.store.ListCallsForUser(userID)
	if err != nil {
		return nil, err
	}
	return t.enrich(ctx, userID, calls), nil
}

// HistoryWith lists calls between user and peer in either direction, newest first.
func (t *Tracker) HistoryWith(ctx context.Context, userID, peerID string) ([]models.CallHistoryEntry, error) {
	calls, err := t.store.ListCallsBetween(userID, peerID)
	if err != nil {
		return nil, err
	}
	return t.enrich(ctx, userID, calls), nil
}

func (t *Tracker) enrich(ctx context.Context, viewerID string, calls []models.CallHistory) []models.CallHistoryEntry {
	users := make(map[string]models.User)
	lookup := func(id string) models.User {
		if u, ok := users[id]; ok {
			return u
		}
		u, err := t.directory.GetUser(id)
		if err != nil {
			t.log.WarnContext(ctx, "call participant not in directory", logging.User(id), logging.Err(err))
			u = models.User{ID: id, DisplayName: id}
		}
		users[id] = u
		return u
	}

	entries := make([]models.CallHistoryEntry, 0, len(calls))
	for _, c := range calls {
		caller, receiver := lookup(c.CallerID), lookup(c.ReceiverID)
		entries = append(entries, models.CallHistoryEntry{
			CallHistory:    c,
			CallerName:     caller.DisplayName,
			CallerAvatar:   caller.AvatarURL,
			ReceiverName:   receiver.DisplayName,
			ReceiverAvatar: receiver.AvatarURL,
			IsIncoming:     c.ReceiverID == viewerID,
		})
	}
	return entries
}

// transition builds the state change applied inside the store transaction.
//
// With only endTime, duration is floor(endTime - startTime) in seconds.
// With only duration, endTime is derived from it. Both must agree when both
// are given.
func transition(status models.CallStatus, endTime *time.Time, duration *int) func(models.CallHistory) (models.CallHistory, error) {
	return func(call models.CallHistory) (models.CallHistory, error) {
		if call.CallStatus != models.CallStatusInitiated {
			return call, fmt.Errorf("%w: call %d is %s", ErrNotInitiated, call.ID, call.CallStatus)
		}
		call.CallStatus = status

		switch {
		case endTime != nil:
			if endTime.Before(call.StartTime) {
				return call, ErrEndBeforeStart
			}
			end := endTime.UTC()
			computed := int(end.Sub(call.StartTime) / time.Second)
			if duration != nil && *duration != computed {
				return call, fmt.Errorf("%w: %d != %d", ErrInconsistentDuration, *duration, computed)
			}
			call.EndTime = &end
			call.Duration = &computed
		case duration != nil:
			if *duration < 0 {
				return call, ErrEndBeforeStart
			}
			end := call.StartTime.Add(time.Duration(*duration) * time.Second)
			d := *duration
			call.EndTime = &end
			call.Duration = &d
		}
		return call, nil
	}
}
