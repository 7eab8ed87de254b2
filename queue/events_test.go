package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihmeuw-scicomp/jobmon/db"
	"github.com/ihmeuw-scicomp/jobmon/fsm"
)

func TestEventPublisherPublishes(t *testing.T) {
	dialer := NewMockDialer()
	pub, err := NewEventPublisherWithDialer("amqp://localhost:5672", "events", dialer)
	require.NoError(t, err)
	defer pub.Close()

	event := db.TaskInstanceEvent{
		TaskInstanceID: 11,
		TaskID:         7,
		WorkflowRunID:  3,
		WorkflowID:     1,
		Status:         fsm.TIDone,
		TaskStatus:     fsm.TaskDone,
	}
	pub.TaskInstanceTerminal(context.Background(), event)

	published := dialer.Published("events")
	require.Len(t, published, 1)
	assert.Equal(t, "application/json", published[0].ContentType)

	var decoded db.TaskInstanceEvent
	require.NoError(t, json.Unmarshal(published[0].Body, &decoded))
	assert.Equal(t, event.TaskInstanceID, decoded.TaskInstanceID)
	assert.Equal(t, fsm.TIDone, decoded.Status)
}

func TestEventPublisherDialFailure(t *testing.T) {
	dialer := NewMockDialer()
	dialer.FailDial = true
	_, err := NewEventPublisherWithDialer("amqp://nowhere:5672", "events", dialer)
	assert.Error(t, err)
}

func TestEventSubscriberFiltersByWorkflow(t *testing.T) {
	dialer := NewMockDialer()
	pub, err := NewEventPublisherWithDialer("amqp://localhost:5672", "events", dialer)
	require.NoError(t, err)
	defer pub.Close()

	sub, err := NewEventSubscriberWithDialer("amqp://localhost:5672", "events", dialer)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := sub.Events(ctx, 1)
	require.NoError(t, err)

	pub.TaskInstanceTerminal(ctx, db.TaskInstanceEvent{TaskInstanceID: 1, WorkflowID: 2, Status: fsm.TIDone})
	pub.TaskInstanceTerminal(ctx, db.TaskInstanceEvent{TaskInstanceID: 2, WorkflowID: 1, Status: fsm.TIErrorFatal})

	select {
	case event := <-events:
		assert.Equal(t, int64(2), event.TaskInstanceID, "other workflows' events are skipped")
		assert.Equal(t, fsm.TIErrorFatal, event.Status)
	case <-ctx.Done():
		t.Fatal("no event delivered")
	}
}

func TestPublisherSurvivesPublishAfterClose(t *testing.T) {
	dialer := NewMockDialer()
	pub, err := NewEventPublisherWithDialer("amqp://localhost:5672", "events", dialer)
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	// Publishing after close is logged, not fatal.
	pub.TaskInstanceTerminal(context.Background(), db.TaskInstanceEvent{TaskInstanceID: 3})
}
