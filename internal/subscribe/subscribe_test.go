package subscribe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdbai/moodle-sentinel/internal/sentinel"
)

type fakeStore struct {
	existing     bool
	createdSeen  []int64
	createdWith  sentinel.Target
	deleteErr    error
	removedGroup int64
}

func (s *fakeStore) SubscriptionExists(context.Context, int64, int64, sentinel.Target) (bool, error) {
	return s.existing, nil
}

func (s *fakeStore) CreateSubscription(_ context.Context, _, _ int64, target sentinel.Target, seen []int64) error {
	s.createdWith = target
	s.createdSeen = seen
	return nil
}

func (s *fakeStore) DeleteSubscription(context.Context, int64, int64, sentinel.Target) error {
	return s.deleteErr
}

func (s *fakeStore) DeleteGroupSubscriptions(_ context.Context, groupQQ int64) (int64, error) {
	s.removedGroup = groupQQ
	return 2, nil
}

type fakeProvider struct {
	sections []sentinel.CourseSection
	err      error
}

func (p *fakeProvider) CourseContent(context.Context, string, int64) ([]sentinel.CourseSection, error) {
	return p.sections, p.err
}

var testUser = sentinel.User{ID: 1, QQ: 10001, MoodleToken: "tok"}

func TestSubscribe_SnapshotsExistingModules(t *testing.T) {
	store := &fakeStore{}
	provider := &fakeProvider{sections: []sentinel.CourseSection{{
		ID: 1,
		Modules: []sentinel.CourseModule{
			{ID: 1, ModName: "resource"},
			{ID: 2, ModName: "attendance"}, // not trackable, left out
			{ID: 3, ModName: "url"},
		},
	}}}

	target := sentinel.GroupTarget(9000)
	err := New(store, provider).Subscribe(context.Background(), testUser, 42, target)
	require.NoError(t, err)

	assert.Equal(t, target, store.createdWith)
	assert.Equal(t, []int64{1, 3}, store.createdSeen)
}

func TestSubscribe_Duplicate(t *testing.T) {
	store := &fakeStore{existing: true}

	err := New(store, &fakeProvider{}).Subscribe(context.Background(), testUser, 42, sentinel.GroupTarget(9000))
	assert.ErrorIs(t, err, sentinel.ErrDuplicateSubscription)
	assert.Nil(t, store.createdSeen)
}

func TestSubscribe_BadTokenAbortsBeforeCreating(t *testing.T) {
	store := &fakeStore{}
	provider := &fakeProvider{err: errors.New("invalid token")}

	err := New(store, provider).Subscribe(context.Background(), testUser, 42, sentinel.GroupTarget(9000))
	require.Error(t, err)
	assert.Zero(t, store.createdWith)
}

func TestUnsubscribe_NotFound(t *testing.T) {
	store := &fakeStore{deleteErr: sentinel.ErrSubscriptionNotFound}

	err := New(store, &fakeProvider{}).Unsubscribe(context.Background(), testUser, 42, sentinel.SelfTarget(10001))
	assert.ErrorIs(t, err, sentinel.ErrSubscriptionNotFound)
}

func TestRemoveGroup(t *testing.T) {
	store := &fakeStore{}

	count, err := New(store, &fakeProvider{}).RemoveGroup(context.Background(), 9000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(9000), store.removedGroup)
}
