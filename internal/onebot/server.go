package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bdbai/moodle-sentinel/internal/moodle"
	"github.com/bdbai/moodle-sentinel/internal/sentinel"
)

type (
	// UserDirectory resolves chat identities to registered users.
	UserDirectory interface {
		UserByQQ(ctx context.Context, qq int64) (sentinel.User, error)
	}

	// Subscriptions is the command surface exposed to chat users.
	Subscriptions interface {
		Subscribe(ctx context.Context, user sentinel.User, courseID int64, target sentinel.Target) error
		Unsubscribe(ctx context.Context, user sentinel.User, courseID int64, target sentinel.Target) error
		RemoveGroup(ctx context.Context, groupQQ int64) (int64, error)
	}

	// Server receives OneBot event reports and turns chat messages into
	// subscription commands.
	Server struct {
		*http.Server

		messenger Messenger
		users     UserDirectory
		subs      Subscriptions

		// Users rarely change; avoid a store round-trip per message.
		userCache *lru.Cache[int64, sentinel.User]
	}
)

func NewServer(port int, messenger Messenger, users UserDirectory, subs Subscriptions) *Server {
	cache, _ := lru.New[int64, sentinel.User](1024)

	s := &Server{
		messenger: messenger,
		users:     users,
		subs:      subs,
		userCache: cache,
	}

	r := mux.NewRouter()
	r.Use(accessLogMiddleware)
	r.HandleFunc("/", s.handleEvent).Methods(http.MethodPost)

	s.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Handler:      handlers.RecoveryHandler()(r),
	}

	return s
}

func accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("event handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// event is the subset of the OneBot v11 report payload we act on.
type event struct {
	PostType    string `json:"post_type"`
	MessageType string `json:"message_type"`
	NoticeType  string `json:"notice_type"`
	SubType     string `json:"sub_type"`
	GroupID     int64  `json:"group_id"`
	UserID      int64  `json:"user_id"`
	SelfID      int64  `json:"self_id"`
	RawMessage  string `json:"raw_message"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	switch ev.PostType {
	case "message":
		s.handleMessage(ctx, ev)
	case "notice":
		s.handleNotice(ctx, ev)
	}

	w.WriteHeader(http.StatusNoContent)
}

var cqCodePattern = regexp.MustCompile(`\[CQ:[^\]]*\]`)

func (s *Server) handleMessage(ctx context.Context, ev event) {
	var target sentinel.Target
	switch ev.MessageType {
	case "group":
		// Only react to group messages addressed at the bot.
		if !strings.Contains(ev.RawMessage, fmt.Sprintf("[CQ:at,qq=%d]", ev.SelfID)) {
			return
		}
		target = sentinel.GroupTarget(ev.GroupID)
	case "private":
		target = sentinel.SelfTarget(ev.UserID)
	default:
		return
	}

	text := strings.TrimSpace(cqCodePattern.ReplaceAllString(ev.RawMessage, ""))
	reply := s.runCommand(ctx, ev.UserID, target, text)
	if reply == "" {
		return
	}
	s.reply(ctx, target, reply)
}

func (s *Server) handleNotice(ctx context.Context, ev event) {
	// The bot being removed from a group orphans its subscriptions.
	if ev.NoticeType != "group_decrease" || ev.UserID != ev.SelfID {
		return
	}

	count, err := s.subs.RemoveGroup(ctx, ev.GroupID)
	if err != nil {
		slog.ErrorContext(ctx, "error cleaning up after group removal", "group_qq", ev.GroupID, "error", err)
		return
	}
	slog.InfoContext(ctx, "removed from group", "group_qq", ev.GroupID, "dropped_subscriptions", count)
}

const helpText = "Commands: subscribe <course id>, unsubscribe <course id>"

func (s *Server) runCommand(ctx context.Context, userQQ int64, target sentinel.Target, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return helpText
	}

	command := fields[0]
	if command != "subscribe" && command != "unsubscribe" {
		return helpText
	}
	if len(fields) < 2 {
		return helpText
	}
	courseID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return helpText
	}

	user, err := s.lookupUser(ctx, userQQ)
	if errors.Is(err, sentinel.ErrNotFound) {
		return "You are not registered yet, hold on."
	}
	if err != nil {
		slog.ErrorContext(ctx, "error looking up user", "qq", userQQ, "error", err)
		return "Something went wrong, try again later."
	}

	switch command {
	case "subscribe":
		err = s.subs.Subscribe(ctx, user, courseID, target)
		switch {
		case errors.Is(err, sentinel.ErrDuplicateSubscription):
			return "This course is already subscribed here."
		case err != nil:
			return commandFailure(err)
		}
		return fmt.Sprintf("Subscribed to course %d.", courseID)
	default:
		err = s.subs.Unsubscribe(ctx, user, courseID, target)
		switch {
		case errors.Is(err, sentinel.ErrSubscriptionNotFound):
			return "There is no such subscription here."
		case err != nil:
			return commandFailure(err)
		}
		return fmt.Sprintf("Unsubscribed from course %d.", courseID)
	}
}

func commandFailure(err error) string {
	apiErr := &moodle.APIError{}
	if errors.As(err, &apiErr) && apiErr.LoginExpired() {
		return "Your Moodle login has expired, renew your token first."
	}

	return "Something went wrong: " + err.Error()
}

func (s *Server) lookupUser(ctx context.Context, qq int64) (sentinel.User, error) {
	if user, ok := s.userCache.Get(qq); ok {
		return user, nil
	}

	user, err := s.users.UserByQQ(ctx, qq)
	if err != nil {
		return sentinel.User{}, err
	}
	s.userCache.Add(qq, user)

	return user, nil
}

func (s *Server) reply(ctx context.Context, target sentinel.Target, message string) {
	var err error
	if target.Kind == sentinel.TargetGroup {
		err = s.messenger.SendGroupMessage(ctx, target.QQ, message)
	} else {
		err = s.messenger.SendPrivateMessage(ctx, target.QQ, message)
	}
	if err != nil {
		slog.ErrorContext(ctx, "error sending reply", "error", err)
	}
}
