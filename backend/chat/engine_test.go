// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chat

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/cache"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Unix() int64 { return c.Now().Unix() }

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine *Engine
	store  *memory.Store
	cache  *cache.Conversations
	clock  *clock
	logs   *test.Hook
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := memory.NewStore()
	store.Now = clk.Unix
	for id, name := range map[int64]string{1: "alice", 2: "bob", 3: "carol"} {
		store.AddUser(models.User{ID: id, Username: name})
	}
	conversations := cache.New(capacity, time.Minute, cache.WithClock(clk.Now))
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return &fixture{
		engine: NewEngine(store, conversations, logger, Options{Now: clk.Now}),
		store:  store,
		cache:  conversations,
		clock:  clk,
		logs:   hook,
	}
}

func (f *fixture) send(t *testing.T, from, to int64, content string) *models.Message {
	t.Helper()
	m, err := f.engine.Send(context.Background(), SendInput{SenderID: from, RecipientID: to, Content: content})
	require.NoError(t, err)
	return m
}

func (f *fixture) latest(t *testing.T, viewer, peer int64) *Page {
	t.Helper()
	page, err := f.engine.Fetch(context.Background(), viewer, peer, 0)
	require.NoError(t, err)
	return page
}

func messageIDs(msgs []models.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestSendReturnsCanonicalRow(t *testing.T) {
	f := newFixture(t, 50)

	m := f.send(t, 1, 2, "  hello  ")

	assert.Positive(t, m.ID)
	assert.Equal(t, "hello", m.Content)
	assert.Equal(t, int64(1), m.SenderID)
	assert.Equal(t, int64(2), m.RecipientID)
	assert.Equal(t, f.clock.Unix(), m.CreatedAt)
	assert.Nil(t, m.EditedAt)
	assert.Nil(t, m.DeletedAt)
	assert.Equal(t, models.StateActive, m.State())

	next := f.send(t, 2, 1, "hi")
	assert.Greater(t, next.ID, m.ID)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, 50)
	other := f.send(t, 1, 3, "to carol")
	own := f.send(t, 1, 2, "to bob")

	tests := []struct {
		name string
		in   SendInput
		want error
	}{
		{"empty", SendInput{SenderID: 1, RecipientID: 2}, ErrValidation},
		{"whitespace only", SendInput{SenderID: 1, RecipientID: 2, Content: " \n\t "}, ErrValidation},
		{"self", SendInput{SenderID: 1, RecipientID: 1, Content: "me"}, ErrValidation},
		{"zero recipient", SendInput{SenderID: 1, RecipientID: 0, Content: "x"}, ErrValidation},
		{"unknown recipient", SendInput{SenderID: 1, RecipientID: 99, Content: "x"}, ErrNotFound},
		{"bad attachment kind", SendInput{SenderID: 1, RecipientID: 2,
			Attachment: &models.Attachment{Kind: "pdf", URL: "https://cdn/x.pdf"}}, ErrValidation},
		{"attachment without url", SendInput{SenderID: 1, RecipientID: 2,
			Attachment: &models.Attachment{Kind: models.AttachmentImage}}, ErrValidation},
		{"reply to unknown message", SendInput{SenderID: 1, RecipientID: 2, Content: "x", ReplyToID: ptr(999)}, ErrValidation},
		{"reply to other conversation", SendInput{SenderID: 1, RecipientID: 2, Content: "x", ReplyToID: ptr(other.ID)}, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Send(context.Background(), tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("attachment only", func(t *testing.T) {
		m, err := f.engine.Send(context.Background(), SendInput{SenderID: 1, RecipientID: 2,
			Attachment: &models.Attachment{Kind: models.AttachmentVideo, URL: " https://cdn/v.mp4 "}})
		require.NoError(t, err)
		require.NotNil(t, m.Attachment)
		assert.Equal(t, "https://cdn/v.mp4", m.Attachment.URL)
		assert.Empty(t, m.Content)
	})

	t.Run("reply in same conversation", func(t *testing.T) {
		m, err := f.engine.Send(context.Background(), SendInput{SenderID: 2, RecipientID: 1, Content: "re", ReplyToID: ptr(own.ID)})
		require.NoError(t, err)
		assert.Equal(t, own.ID, *m.ReplyToID)
	})
}

func TestSendTruncatesContent(t *testing.T) {
	f := newFixture(t, 50)

	m := f.send(t, 1, 2, strings.Repeat("é", DefaultMaxContentLength+10))

	assert.Equal(t, DefaultMaxContentLength, len([]rune(m.Content)))
}

func TestFetchIncludesSentMessageOnce(t *testing.T) {
	f := newFixture(t, 50)
	first := f.send(t, 1, 2, "one")

	// Populate the cache, then keep sending through it.
	assert.Equal(t, []int64{first.ID}, messageIDs(f.latest(t, 2, 1).Messages))

	second := f.send(t, 2, 1, "two")
	third := f.send(t, 1, 2, "three")

	for _, viewer := range []int64{1, 2} {
		page := f.latest(t, viewer, 3-viewer)
		assert.Equal(t, []int64{first.ID, second.ID, third.ID}, messageIDs(page.Messages))
	}
}

func TestConcurrentSendsAreOrderedAndComplete(t *testing.T) {
	f := newFixture(t, 50)
	f.latest(t, 1, 2)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := int64(1), int64(2)
			if i%2 == 1 {
				from, to = to, from
			}
			_, err := f.engine.Send(context.Background(), SendInput{SenderID: from, RecipientID: to, Content: "x"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	page := f.latest(t, 1, 2)
	require.Len(t, page.Messages, 40)
	for i, m := range page.Messages {
		assert.Equal(t, int64(i+1), m.ID)
	}
}

func TestEdit(t *testing.T) {
	f := newFixture(t, 50)
	m := f.send(t, 1, 2, "hello")
	f.latest(t, 2, 1)

	t.Run("not the sender", func(t *testing.T) {
		_, err := f.engine.Edit(context.Background(), m.ID, 2, "nope")
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("unknown message", func(t *testing.T) {
		_, err := f.engine.Edit(context.Background(), 404, 1, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty content", func(t *testing.T) {
		_, err := f.engine.Edit(context.Background(), m.ID, 1, "   ")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("success updates both views", func(t *testing.T) {
		updated, err := f.engine.Edit(context.Background(), m.ID, 1, " hello world ")
		require.NoError(t, err)
		assert.Equal(t, "hello world", updated.Content)
		require.NotNil(t, updated.EditedAt)
		assert.Equal(t, models.StateEdited, updated.State())

		for _, viewer := range []int64{1, 2} {
			page := f.latest(t, viewer, 3-viewer)
			require.Len(t, page.Messages, 1)
			assert.Equal(t, "hello world", page.Messages[0].Content)
		}
	})
}

func TestEditWindowBoundary(t *testing.T) {
	f := newFixture(t, 50)
	m := f.send(t, 1, 2, "hello")

	f.clock.Advance(DefaultEditWindow)
	_, err := f.engine.Edit(context.Background(), m.ID, 1, "at the boundary")
	require.NoError(t, err, "an edit at exactly 900s is accepted")

	f.clock.Advance(time.Second)
	_, err = f.engine.Edit(context.Background(), m.ID, 1, "too late")
	assert.ErrorIs(t, err, ErrEditWindowExpired)
}

func TestDeleteForEveryone(t *testing.T) {
	f := newFixture(t, 50)
	keep := f.send(t, 1, 2, "keep")
	gone := f.send(t, 1, 2, "secret")
	f.latest(t, 1, 2)

	_, err := f.engine.DeleteForEveryone(context.Background(), gone.ID, 2)
	assert.ErrorIs(t, err, ErrForbidden)

	f.clock.Advance(24 * time.Hour)
	deleted, err := f.engine.DeleteForEveryone(context.Background(), gone.ID, 1)
	require.NoError(t, err, "delete has no time limit")
	assert.Equal(t, gone.ID, deleted.ID)
	assert.Empty(t, deleted.Content)
	assert.NotNil(t, deleted.DeletedAt)

	for _, viewer := range []int64{1, 2} {
		page := f.latest(t, viewer, 3-viewer)
		assert.Equal(t, []int64{keep.ID}, messageIDs(page.Messages))
	}

	stored, err := f.store.GetMessage(context.Background(), gone.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Content, "content is scrubbed in the store")

	_, err = f.engine.Edit(context.Background(), gone.ID, 1, "revive")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.engine.DeleteForEveryone(context.Background(), gone.ID, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHideForMe(t *testing.T) {
	f := newFixture(t, 50)
	m := f.send(t, 1, 2, "hello")
	other := f.send(t, 2, 1, "hi")
	f.latest(t, 1, 2)

	_, err := f.engine.HideForMe(context.Background(), m.ID, 3)
	assert.ErrorIs(t, err, ErrForbidden)

	for i := 0; i < 2; i++ {
		_, err = f.engine.HideForMe(context.Background(), m.ID, 2)
		require.NoError(t, err, "hiding is idempotent")
	}

	assert.Equal(t, []int64{other.ID}, messageIDs(f.latest(t, 2, 1).Messages))
	sender := f.latest(t, 1, 2)
	assert.Equal(t, []int64{m.ID, other.ID}, messageIDs(sender.Messages))
	assert.Equal(t, "hello", sender.Messages[0].Content)

	// Served from the cache this time.
	assert.Equal(t, []int64{other.ID}, messageIDs(f.latest(t, 2, 1).Messages))
}

func TestFetchPagination(t *testing.T) {
	f := newFixture(t, 5)
	for i := 0; i < 12; i++ {
		f.send(t, 1+int64(i%2), 2-int64(i%2), "m")
	}
	_, err := f.engine.HideForMe(context.Background(), 4, 1)
	require.NoError(t, err)

	page := f.latest(t, 1, 2)
	assert.Equal(t, []int64{8, 9, 10, 11, 12}, messageIDs(page.Messages))
	assert.True(t, page.HasMore)

	page, err = f.engine.Fetch(context.Background(), 1, 2, 8)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 5, 6, 7}, messageIDs(page.Messages))
	assert.True(t, page.HasMore)

	page, err = f.engine.Fetch(context.Background(), 1, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, messageIDs(page.Messages))
	assert.False(t, page.HasMore)

	_, err = f.engine.Fetch(context.Background(), 1, 2, -1)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.engine.Fetch(context.Background(), 1, 1, 0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFetchAdvancesReadReceipt(t *testing.T) {
	f := newFixture(t, 50)
	f.send(t, 1, 2, "one")
	m2 := f.send(t, 1, 2, "two")

	page := f.latest(t, 2, 1)
	assert.True(t, page.ReadAdvanced)
	assert.Equal(t, m2.ID, page.LastReadID)

	again := f.latest(t, 2, 1)
	assert.False(t, again.ReadAdvanced)

	sender := f.latest(t, 1, 2)
	assert.Equal(t, m2.ID, sender.PeerLastReadID)

	m3 := f.send(t, 1, 2, "three")
	_, err := f.engine.Fetch(context.Background(), 2, 1, m3.ID)
	require.NoError(t, err)
	last, err := f.store.LastRead(context.Background(), 2, 1)
	require.NoError(t, err)
	assert.Equal(t, m2.ID, last, "paging backwards leaves the read mark alone")
}

func TestMarkReadIsMonotonic(t *testing.T) {
	f := newFixture(t, 50)

	ids := rand.Perm(200)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := f.engine.MarkRead(context.Background(), 2, 1, id)
			assert.NoError(t, err)
		}(int64(id + 1))
	}
	wg.Wait()

	last, err := f.store.LastRead(context.Background(), 2, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(200), last)

	merged, err := f.engine.MarkRead(context.Background(), 2, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(200), merged, "an older candidate never regresses the mark")

	_, err = f.engine.MarkRead(context.Background(), 2, 1, 0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUnreadCounts(t *testing.T) {
	f := newFixture(t, 50)
	f.send(t, 1, 2, "a")
	m := f.send(t, 1, 2, "b")
	f.send(t, 1, 2, "c")
	hidden := f.send(t, 3, 2, "d")
	f.send(t, 3, 2, "e")

	_, err := f.engine.MarkRead(context.Background(), 2, 1, m.ID)
	require.NoError(t, err)
	_, err = f.engine.HideForMe(context.Background(), hidden.ID, 2)
	require.NoError(t, err)

	counts, err := f.engine.UnreadCounts(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{1: 1, 3: 1}, counts)
}

func TestWipeConversation(t *testing.T) {
	f := newFixture(t, 50)
	f.send(t, 1, 2, "a")
	kept := f.send(t, 1, 3, "b")
	f.latest(t, 2, 1)

	require.NoError(t, f.engine.WipeConversation(context.Background(), 2, 1))

	assert.Empty(t, f.latest(t, 1, 2).Messages)
	assert.Equal(t, []int64{kept.ID}, messageIDs(f.latest(t, 1, 3).Messages))
	assert.ErrorIs(t, f.engine.WipeConversation(context.Background(), 1, 1), ErrValidation)
}

func TestForgetUser(t *testing.T) {
	f := newFixture(t, 50)
	f.send(t, 1, 2, "a")
	f.latest(t, 1, 2)
	require.Equal(t, 1, f.cache.Len())

	f.engine.ForgetUser(2)

	assert.Equal(t, 0, f.cache.Len())
}

type failingStore struct {
	*memory.Store
}

func (failingStore) InsertMessage(context.Context, models.Message) (*models.Message, error) {
	return nil, errors.New("connection refused")
}

func TestSendReportsUnavailableStore(t *testing.T) {
	base := memory.NewStore()
	base.AddUser(models.User{ID: 1})
	base.AddUser(models.User{ID: 2})
	logger, hook := test.NewNullLogger()
	engine := NewEngine(failingStore{base}, cache.New(0, 0), logger, Options{})

	_, err := engine.Send(context.Background(), SendInput{SenderID: 1, RecipientID: 2, Content: "x"})

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, CodeUnavailable, Code(err))
	assert.Equal(t, "service unavailable", Message(err))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)

	page, err := engine.Fetch(context.Background(), 1, 2, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Messages, "a failed send leaves no row behind")
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		status int
	}{
		{ErrUnauthorized, CodeUnauthorized, 401},
		{ErrNotFound, CodeNotFound, 404},
		{ErrForbidden, CodeForbidden, 403},
		{ErrEditWindowExpired, CodeEditWindowExpired, 409},
		{invalid("bad"), CodeValidation, 400},
		{unavailable("op", errors.New("down")), CodeUnavailable, 503},
		{errors.New("boom"), CodeInternal, 500},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, Code(tt.err))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
	assert.Equal(t, "internal error", Message(errors.New("pq: secret detail")))
	assert.Equal(t, "validation failed: bad", Message(invalid("bad")))
}

func ptr(v int64) *int64 { return &v }

// racingStore delivers one message from inside the first RecentMessages
// call, after the rows were read but before the caller caches them.
type racingStore struct {
	*memory.Store
	engine *Engine
	once   sync.Once
	raced  *models.Message
}

func (s *racingStore) RecentMessages(ctx context.Context, userA, userB int64, limit int) ([]models.Message, error) {
	msgs, err := s.Store.RecentMessages(ctx, userA, userB, limit)
	s.once.Do(func() {
		s.raced, err = s.engine.Send(ctx, SendInput{SenderID: userB, RecipientID: userA, Content: "racing"})
	})
	return msgs, err
}

func TestSendDuringCacheFillIsNotLost(t *testing.T) {
	base := memory.NewStore()
	base.AddUser(models.User{ID: 1})
	base.AddUser(models.User{ID: 2})
	store := &racingStore{Store: base}
	logger, _ := test.NewNullLogger()
	store.engine = NewEngine(store, cache.New(50, time.Minute), logger, Options{})
	engine := store.engine
	ctx := context.Background()

	first, err := engine.Send(ctx, SendInput{SenderID: 1, RecipientID: 2, Content: "one"})
	require.NoError(t, err)
	_, err = engine.Fetch(ctx, 1, 2, 0)
	require.NoError(t, err)
	require.NotNil(t, store.raced)

	third, err := engine.Send(ctx, SendInput{SenderID: 1, RecipientID: 2, Content: "three"})
	require.NoError(t, err)

	for _, viewer := range []int64{1, 2} {
		page, err := engine.Fetch(ctx, viewer, 3-viewer, 0)
		require.NoError(t, err)
		assert.Equal(t, []int64{first.ID, store.raced.ID, third.ID}, messageIDs(page.Messages))
	}
}

func TestLatestPageSkipsHiddenMessages(t *testing.T) {
	t.Run("whole window hidden", func(t *testing.T) {
		f := newFixture(t, 5)
		for i := 0; i < 8; i++ {
			f.send(t, 1, 2, "m")
		}
		for id := int64(4); id <= 8; id++ {
			_, err := f.engine.HideForMe(context.Background(), id, 1)
			require.NoError(t, err)
		}

		page := f.latest(t, 1, 2)
		assert.Equal(t, []int64{1, 2, 3}, messageIDs(page.Messages))
		assert.False(t, page.HasMore)
		assert.Equal(t, int64(3), page.LastReadID)

		peer := f.latest(t, 2, 1)
		assert.Equal(t, []int64{4, 5, 6, 7, 8}, messageIDs(peer.Messages))
		assert.True(t, peer.HasMore)
	})

	t.Run("newest messages hidden", func(t *testing.T) {
		f := newFixture(t, 5)
		for i := 0; i < 12; i++ {
			f.send(t, 2, 1, "m")
		}
		for _, id := range []int64{11, 12} {
			_, err := f.engine.HideForMe(context.Background(), id, 1)
			require.NoError(t, err)
		}

		page := f.latest(t, 1, 2)
		assert.Equal(t, []int64{6, 7, 8, 9, 10}, messageIDs(page.Messages))
		assert.True(t, page.HasMore)

		// Same answer once served from the cache.
		page = f.latest(t, 1, 2)
		assert.Equal(t, []int64{6, 7, 8, 9, 10}, messageIDs(page.Messages))
	})
}

func TestHasMoreWithExactlyOnePage(t *testing.T) {
	f := newFixture(t, 5)
	for i := 0; i < 5; i++ {
		f.send(t, 1, 2, "m")
	}
	assert.False(t, f.latest(t, 1, 2).HasMore)

	f.send(t, 2, 1, "sixth")
	assert.True(t, f.latest(t, 1, 2).HasMore, "appending past capacity")

	f.engine.ForgetUser(1)
	assert.True(t, f.latest(t, 1, 2).HasMore, "reloaded from the store")
}
