package main

import (
	"context"
	"errors"
	"testing"

	"github.com/richardliu001/mpesa-service/internal/logger"
	"github.com/richardliu001/mpesa-service/internal/model"
	"github.com/richardliu001/mpesa-service/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutbox struct {
	repo.RepositoryInterface
	pending   []model.OutboxEvent
	failOn    uint64
	published []uint64
	marked    []uint64
}

func (f *fakeOutbox) PollOutbox(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeOutbox) PublishEvent(_ context.Context, evt model.OutboxEvent) error {
	if evt.ID == f.failOn {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, evt.ID)
	return nil
}

func (f *fakeOutbox) MarkOutboxProcessed(_ context.Context, id uint64) error {
	f.marked = append(f.marked, id)
	return nil
}

func TestDrain(t *testing.T) {
	log, err := logger.NewLogger("test")
	require.NoError(t, err)

	f := &fakeOutbox{pending: []model.OutboxEvent{{ID: 1}, {ID: 2}, {ID: 3}}}
	drain(context.Background(), f, 2, log)
	assert.Equal(t, []uint64{1, 2}, f.published)
	assert.Equal(t, []uint64{1, 2}, f.marked)
}

func TestDrain_StopsAtFirstFailure(t *testing.T) {
	log, err := logger.NewLogger("test")
	require.NoError(t, err)

	f := &fakeOutbox{pending: []model.OutboxEvent{{ID: 1}, {ID: 2}, {ID: 3}}, failOn: 2}
	drain(context.Background(), f, 10, log)
	assert.Equal(t, []uint64{1}, f.published)
	assert.Equal(t, []uint64{1}, f.marked)
}
