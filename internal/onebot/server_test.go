package onebot

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdbai/moodle-sentinel/internal/sentinel"
)

type fakeDirectory struct {
	users   map[int64]sentinel.User
	lookups int
}

func (d *fakeDirectory) UserByQQ(_ context.Context, qq int64) (sentinel.User, error) {
	d.lookups++
	user, ok := d.users[qq]
	if !ok {
		return sentinel.User{}, sentinel.ErrNotFound
	}
	return user, nil
}

type fakeSubscriptions struct {
	subscribeErr   error
	unsubscribeErr error

	subscribed   []sentinel.Target
	unsubscribed []sentinel.Target
	removedGroup int64
}

func (s *fakeSubscriptions) Subscribe(_ context.Context, _ sentinel.User, _ int64, target sentinel.Target) error {
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	s.subscribed = append(s.subscribed, target)
	return nil
}

func (s *fakeSubscriptions) Unsubscribe(_ context.Context, _ sentinel.User, _ int64, target sentinel.Target) error {
	if s.unsubscribeErr != nil {
		return s.unsubscribeErr
	}
	s.unsubscribed = append(s.unsubscribed, target)
	return nil
}

func (s *fakeSubscriptions) RemoveGroup(_ context.Context, groupQQ int64) (int64, error) {
	s.removedGroup = groupQQ
	return 3, nil
}

func newTestServer(t *testing.T) (*Server, *recordingMessenger, *fakeDirectory, *fakeSubscriptions) {
	t.Helper()

	m := newRecordingMessenger()
	dir := &fakeDirectory{users: map[int64]sentinel.User{
		10001: {ID: 1, QQ: 10001, MoodleToken: "tok"},
	}}
	subs := &fakeSubscriptions{}

	return NewServer(0, m, dir, subs), m, dir, subs
}

func postEvent(t *testing.T, s *Server, body string) int {
	t.Helper()

	req := httptest.NewRequest("POST", "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Server.Handler.ServeHTTP(rec, req)

	return rec.Code
}

func groupMessageEvent(userQQ int64, message string) string {
	return fmt.Sprintf(`{
		"post_type": "message",
		"message_type": "group",
		"group_id": 9000,
		"user_id": %d,
		"self_id": 777,
		"raw_message": %q
	}`, userQQ, message)
}

func TestHandleEvent_GroupSubscribe(t *testing.T) {
	s, m, _, subs := newTestServer(t)

	code := postEvent(t, s, groupMessageEvent(10001, "[CQ:at,qq=777] subscribe 42"))
	assert.Equal(t, 204, code)

	require.Len(t, subs.subscribed, 1)
	assert.Equal(t, sentinel.GroupTarget(9000), subs.subscribed[0])
	require.Len(t, m.groupMsgs[9000], 1)
	assert.Equal(t, "Subscribed to course 42.", m.groupMsgs[9000][0])
}

func TestHandleEvent_GroupMessageWithoutMention(t *testing.T) {
	s, m, _, subs := newTestServer(t)

	postEvent(t, s, groupMessageEvent(10001, "subscribe 42"))

	assert.Empty(t, subs.subscribed)
	assert.Empty(t, m.groupMsgs[9000])
}

func TestHandleEvent_PrivateUnsubscribe(t *testing.T) {
	s, m, _, subs := newTestServer(t)

	postEvent(t, s, `{
		"post_type": "message",
		"message_type": "private",
		"user_id": 10001,
		"self_id": 777,
		"raw_message": "unsubscribe 42"
	}`)

	require.Len(t, subs.unsubscribed, 1)
	assert.Equal(t, sentinel.SelfTarget(10001), subs.unsubscribed[0])
	require.Len(t, m.privateMsgs[10001], 1)
	assert.Equal(t, "Unsubscribed from course 42.", m.privateMsgs[10001][0])
}

func TestHandleEvent_UnknownUser(t *testing.T) {
	s, m, _, subs := newTestServer(t)

	postEvent(t, s, groupMessageEvent(55555, "[CQ:at,qq=777] subscribe 42"))

	assert.Empty(t, subs.subscribed)
	require.Len(t, m.groupMsgs[9000], 1)
	assert.Equal(t, "You are not registered yet, hold on.", m.groupMsgs[9000][0])
}

func TestHandleEvent_DuplicateSubscription(t *testing.T) {
	s, m, _, subs := newTestServer(t)
	subs.subscribeErr = sentinel.ErrDuplicateSubscription

	postEvent(t, s, groupMessageEvent(10001, "[CQ:at,qq=777] subscribe 42"))

	require.Len(t, m.groupMsgs[9000], 1)
	assert.Equal(t, "This course is already subscribed here.", m.groupMsgs[9000][0])
}

func TestHandleEvent_UnsubscribeNotFound(t *testing.T) {
	s, m, _, subs := newTestServer(t)
	subs.unsubscribeErr = sentinel.ErrSubscriptionNotFound

	postEvent(t, s, groupMessageEvent(10001, "[CQ:at,qq=777] unsubscribe 42"))

	require.Len(t, m.groupMsgs[9000], 1)
	assert.Equal(t, "There is no such subscription here.", m.groupMsgs[9000][0])
}

func TestHandleEvent_GibberishGetsHelp(t *testing.T) {
	s, m, _, _ := newTestServer(t)

	postEvent(t, s, groupMessageEvent(10001, "[CQ:at,qq=777] what is this"))

	require.Len(t, m.groupMsgs[9000], 1)
	assert.Equal(t, helpText, m.groupMsgs[9000][0])
}

func TestHandleEvent_KickedFromGroup(t *testing.T) {
	s, _, _, subs := newTestServer(t)

	postEvent(t, s, `{
		"post_type": "notice",
		"notice_type": "group_decrease",
		"sub_type": "kick_me",
		"group_id": 9000,
		"user_id": 777,
		"self_id": 777
	}`)

	assert.Equal(t, int64(9000), subs.removedGroup)
}

func TestHandleEvent_OtherMemberLeavingIsIgnored(t *testing.T) {
	s, _, _, subs := newTestServer(t)

	postEvent(t, s, `{
		"post_type": "notice",
		"notice_type": "group_decrease",
		"sub_type": "leave",
		"group_id": 9000,
		"user_id": 10001,
		"self_id": 777
	}`)

	assert.Equal(t, int64(0), subs.removedGroup)
}

func TestUserCache(t *testing.T) {
	s, _, dir, _ := newTestServer(t)

	postEvent(t, s, groupMessageEvent(10001, "[CQ:at,qq=777] subscribe 42"))
	postEvent(t, s, groupMessageEvent(10001, "[CQ:at,qq=777] subscribe 43"))

	assert.Equal(t, 1, dir.lookups)
}
