package messages

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/parley/internal/interfaces"
	"github.com/ternarybob/parley/internal/models"
	"github.com/ternarybob/parley/internal/services/conversations"
	"github.com/ternarybob/parley/internal/services/dispatch"
	"github.com/ternarybob/parley/internal/services/sources"
)

type fakeGateway struct {
	interfaces.BackendGateway

	createCalls  int
	createdTitle string
	queryCalls   int
	chatCalls    int
	queryAtCall  func()
}

func (f *fakeGateway) CreateConversation(ctx context.Context, title, knowledgeBaseID string) (string, error) {
	f.createCalls++
	f.createdTitle = title
	return "1", nil
}

func (f *fakeGateway) AddMessage(ctx context.Context, conversationID, content, messageType string) (string, error) {
	return "", nil
}

func (f *fakeGateway) Query(ctx context.Context, req *interfaces.QueryRequest) (*interfaces.QueryResult, error) {
	f.queryCalls++
	if f.queryAtCall != nil {
		f.queryAtCall()
	}
	return &interfaces.QueryResult{Answer: "answer"}, nil
}

func (f *fakeGateway) Chat(ctx context.Context, message, conversationID string) (*interfaces.QueryResult, error) {
	f.chatCalls++
	return &interfaces.QueryResult{Answer: "direct answer"}, nil
}

type fakePrefs struct {
	interfaces.PreferenceStorage
}

func (f *fakePrefs) SelectedLibraries(ctx context.Context, conversationID string) ([]string, error) {
	return nil, nil
}

func (f *fakePrefs) SetSelectedLibraries(ctx context.Context, conversationID string, libraryIDs []string) error {
	return nil
}

func (f *fakePrefs) DeleteConversationState(ctx context.Context, conversationID string) error {
	return nil
}

type fixture struct {
	gateway   *fakeGateway
	store     *conversations.Store
	lifecycle *Lifecycle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := arbor.NewLogger()
	gw := &fakeGateway{}
	normalizer := sources.NewNormalizer(sources.NewNoopResolver(), logger, 0)
	store := conversations.NewStore(gw, normalizer, logger)
	dispatcher := dispatch.NewDispatcher(gw, store, &fakePrefs{}, normalizer, logger)

	return &fixture{
		gateway:   gw,
		store:     store,
		lifecycle: NewLifecycle(store, dispatcher, logger, 0),
	}
}

func TestSendEmptyIsSilentNoOp(t *testing.T) {
	f := newFixture(t)

	for _, content := range []string{"", "   ", "\n\t\n"} {
		msg, err := f.lifecycle.Send(context.Background(), content)
		assert.NoError(t, err)
		assert.Nil(t, msg)
	}

	assert.Zero(t, f.gateway.createCalls, "empty sends must not create a conversation")
	assert.Zero(t, f.gateway.queryCalls)
	assert.Empty(t, f.store.Conversations())
}

func TestSendCreatesConversationWithDerivedTitle(t *testing.T) {
	f := newFixture(t)

	content := strings.Repeat("x", 40)
	msg, err := f.lifecycle.Send(context.Background(), content)
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, 1, f.gateway.createCalls)
	assert.Equal(t, strings.Repeat("x", 30), f.gateway.createdTitle)
	assert.Equal(t, "1", f.store.ActiveID())
}

func TestSendReusesActiveConversation(t *testing.T) {
	f := newFixture(t)

	_, err := f.lifecycle.Send(context.Background(), "first")
	require.NoError(t, err)
	_, err = f.lifecycle.Send(context.Background(), "second")
	require.NoError(t, err)

	assert.Equal(t, 1, f.gateway.createCalls)
	assert.Len(t, f.store.Conversations(), 1)
}

func TestSendDirectRoutesToChat(t *testing.T) {
	f := newFixture(t)

	msg, err := f.lifecycle.SendDirect(context.Background(), "hello")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "direct answer", msg.Content)
	assert.Equal(t, 1, f.gateway.chatCalls)
	assert.Zero(t, f.gateway.queryCalls)
}

func seedHistory(t *testing.T, f *fixture) {
	t.Helper()
	_, err := f.store.Create(context.Background(), "seeded")
	require.NoError(t, err)

	msgs := []models.Message{
		{ID: "u1", Content: "first question", IsUser: true},
		{ID: "a1", Content: "first answer"},
		{ID: "u2", Content: "second question", IsUser: true},
		{ID: "a2", Content: "second answer"},
	}
	for _, m := range msgs {
		require.NoError(t, f.store.AppendMessage("1", m))
	}
}

func TestEditTruncatesAndRegenerates(t *testing.T) {
	f := newFixture(t)
	seedHistory(t, f)

	// Capture the history exactly as the regeneration request goes out.
	var atQuery []string
	f.gateway.queryAtCall = func() {
		for _, m := range f.store.Active().Messages {
			atQuery = append(atQuery, m.ID)
		}
	}

	msg, err := f.lifecycle.Edit(context.Background(), "u2", "revised question")
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, []string{"u1", "a1", "u2"}, atQuery,
		"history at regeneration time is exactly the prefix through the edited message")

	active := f.store.Active()
	require.Len(t, active.Messages, 4)
	assert.Equal(t, "revised question", active.Messages[2].Content)
	assert.Equal(t, "answer", active.Messages[3].Content)
}

func TestEditRejectsAssistantMessage(t *testing.T) {
	f := newFixture(t)
	seedHistory(t, f)

	_, err := f.lifecycle.Edit(context.Background(), "a1", "rewritten")
	assert.ErrorIs(t, err, ErrNotUserMessage)
	assert.Len(t, f.store.Active().Messages, 4, "rejected edit leaves history untouched")
}

func TestEditIdenticalContentIsNoOp(t *testing.T) {
	f := newFixture(t)
	seedHistory(t, f)

	msg, err := f.lifecycle.Edit(context.Background(), "u2", "second question")
	assert.NoError(t, err)
	assert.Nil(t, msg)
	assert.Zero(t, f.gateway.queryCalls)
	assert.Len(t, f.store.Active().Messages, 4)
}

func TestEditEmptyContentIsNoOp(t *testing.T) {
	f := newFixture(t)
	seedHistory(t, f)

	msg, err := f.lifecycle.Edit(context.Background(), "u2", "   ")
	assert.NoError(t, err)
	assert.Nil(t, msg)
	assert.Len(t, f.store.Active().Messages, 4)
}

func TestEditWithoutActiveConversation(t *testing.T) {
	f := newFixture(t)

	_, err := f.lifecycle.Edit(context.Background(), "u1", "anything")
	assert.ErrorIs(t, err, ErrNoActiveConversation)
}

func TestEditUnknownMessage(t *testing.T) {
	f := newFixture(t)
	seedHistory(t, f)

	_, err := f.lifecycle.Edit(context.Background(), "missing", "anything")
	assert.ErrorIs(t, err, conversations.ErrMessageNotFound)
}
