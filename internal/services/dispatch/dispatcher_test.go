package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/parley/internal/interfaces"
	"github.com/ternarybob/parley/internal/models"
	"github.com/ternarybob/parley/internal/services/conversations"
	"github.com/ternarybob/parley/internal/services/sources"
)

type fakeGateway struct {
	interfaces.BackendGateway

	addMessageErr error
	addMessageID  string
	addCalls      int

	queryFn    func(req *interfaces.QueryRequest) (*interfaces.QueryResult, error)
	queryCalls []*interfaces.QueryRequest

	chatFn    func(message, conversationID string) (*interfaces.QueryResult, error)
	chatCalls int
}

func (f *fakeGateway) CreateConversation(ctx context.Context, title, knowledgeBaseID string) (string, error) {
	return "1", nil
}

func (f *fakeGateway) AddMessage(ctx context.Context, conversationID, content, messageType string) (string, error) {
	f.addCalls++
	if f.addMessageErr != nil {
		return "", f.addMessageErr
	}
	if f.addMessageID != "" {
		return f.addMessageID, nil
	}
	return "900", nil
}

func (f *fakeGateway) Query(ctx context.Context, req *interfaces.QueryRequest) (*interfaces.QueryResult, error) {
	f.queryCalls = append(f.queryCalls, req)
	if f.queryFn != nil {
		return f.queryFn(req)
	}
	return &interfaces.QueryResult{Answer: "grounded answer"}, nil
}

func (f *fakeGateway) Chat(ctx context.Context, message, conversationID string) (*interfaces.QueryResult, error) {
	f.chatCalls++
	if f.chatFn != nil {
		return f.chatFn(message, conversationID)
	}
	return &interfaces.QueryResult{Answer: "direct answer"}, nil
}

type fakePrefs struct {
	interfaces.PreferenceStorage

	selected    map[string][]string
	selectedErr error
	setErr      error
	deleted     []string
}

func newFakePrefs() *fakePrefs {
	return &fakePrefs{selected: make(map[string][]string)}
}

func (f *fakePrefs) SelectedLibraries(ctx context.Context, conversationID string) ([]string, error) {
	if f.selectedErr != nil {
		return nil, f.selectedErr
	}
	return f.selected[conversationID], nil
}

func (f *fakePrefs) SetSelectedLibraries(ctx context.Context, conversationID string, libraryIDs []string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.selected[conversationID] = append([]string(nil), libraryIDs...)
	return nil
}

func (f *fakePrefs) DeleteConversationState(ctx context.Context, conversationID string) error {
	f.deleted = append(f.deleted, conversationID)
	return nil
}

type fixture struct {
	gateway    *fakeGateway
	prefs      *fakePrefs
	store      *conversations.Store
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := arbor.NewLogger()
	gw := &fakeGateway{}
	prefs := newFakePrefs()
	normalizer := sources.NewNormalizer(sources.NewNoopResolver(), logger, 0)
	store := conversations.NewStore(gw, normalizer, logger)
	_, err := store.Create(context.Background(), "test")
	require.NoError(t, err)

	return &fixture{
		gateway:    gw,
		prefs:      prefs,
		store:      store,
		dispatcher: NewDispatcher(gw, store, prefs, normalizer, logger),
	}
}

func emptyKBError() error {
	return &models.APIError{
		StatusCode: 400,
		Class:      models.ErrorClassEmptyKnowledgeBase,
		Message:    "knowledge base is empty",
	}
}

func TestRoutingDeterminism(t *testing.T) {
	tests := []struct {
		name       string
		libraryIDs []string
		direct     bool
		wantChat   bool
		wantSingle string
		wantMulti  []string
	}{
		{
			name:     "explicit direct mode wins over selection",
			direct:   true,
			wantChat: true,
		},
		{
			name:       "no selection routes to ungrounded query",
			libraryIDs: nil,
		},
		{
			name:       "single library uses the singular field",
			libraryIDs: []string{"5"},
			wantSingle: "5",
		},
		{
			name:       "multiple libraries use the plural field",
			libraryIDs: []string{"5", "6"},
			wantMulti:  []string{"5", "6"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.dispatcher.Dispatch(context.Background(), "1", "question", tt.libraryIDs, tt.direct)
			require.NoError(t, err)

			if tt.wantChat {
				assert.Equal(t, 1, f.gateway.chatCalls)
				assert.Empty(t, f.gateway.queryCalls)
				return
			}

			assert.Zero(t, f.gateway.chatCalls)
			require.Len(t, f.gateway.queryCalls, 1)
			req := f.gateway.queryCalls[0]
			assert.Equal(t, "question", req.Query)
			assert.Equal(t, "1", req.ConversationID)
			assert.Equal(t, tt.wantSingle, req.KnowledgeBaseID)
			assert.Equal(t, tt.wantMulti, req.KnowledgeBaseIDs)
		})
	}
}

func TestDispatchAppendsUserAndAnswer(t *testing.T) {
	f := newFixture(t)

	msg, err := f.dispatcher.Dispatch(context.Background(), "1", "question", nil, false)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "grounded answer", msg.Content)

	active := f.store.Active()
	require.Len(t, active.Messages, 2)
	assert.True(t, active.Messages[0].IsUser)
	assert.Equal(t, "question", active.Messages[0].Content)
	assert.False(t, active.Messages[0].Pending)
	assert.False(t, active.Messages[1].IsUser)
}

func TestPersistFailureStillShowsUserMessage(t *testing.T) {
	f := newFixture(t)
	f.gateway.addMessageErr = errors.New("backend down")

	_, err := f.dispatcher.Dispatch(context.Background(), "1", "question", nil, false)
	require.NoError(t, err)

	active := f.store.Active()
	require.Len(t, active.Messages, 2)
	assert.True(t, active.Messages[0].Pending, "unpersisted message is marked pending")
	assert.Equal(t, "question", active.Messages[0].Content)
}

func TestEmptyKnowledgeBaseFallsBackOnce(t *testing.T) {
	f := newFixture(t)
	f.gateway.queryFn = func(req *interfaces.QueryRequest) (*interfaces.QueryResult, error) {
		return nil, emptyKBError()
	}

	msg, err := f.dispatcher.Dispatch(context.Background(), "1", "question", []string{"5"}, false)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "direct answer", msg.Content)

	assert.Len(t, f.gateway.queryCalls, 1)
	assert.Equal(t, 1, f.gateway.chatCalls)

	// The retry notice must be gone once the fallback answer lands.
	active := f.store.Active()
	require.Len(t, active.Messages, 2)
	for _, m := range active.Messages {
		assert.NotEqual(t, retryingNotice, m.Content)
	}
}

func TestFallbackFailureTerminates(t *testing.T) {
	f := newFixture(t)
	f.gateway.queryFn = func(req *interfaces.QueryRequest) (*interfaces.QueryResult, error) {
		return nil, emptyKBError()
	}
	chatErr := &models.APIError{StatusCode: 500, Class: models.ErrorClassServer, Message: "boom"}
	f.gateway.chatFn = func(message, conversationID string) (*interfaces.QueryResult, error) {
		return nil, chatErr
	}

	_, err := f.dispatcher.Dispatch(context.Background(), "1", "question", []string{"5"}, false)
	require.Error(t, err)

	// Exactly one fallback attempt, never a loop.
	assert.Equal(t, 1, f.gateway.chatCalls)

	active := f.store.Active()
	require.Len(t, active.Messages, 2)
	last := active.Messages[len(active.Messages)-1]
	assert.True(t, last.Transient)
	assert.Equal(t, fallbackFailed, last.Content)
}

func TestDirectModeSkipsFallback(t *testing.T) {
	f := newFixture(t)
	f.gateway.chatFn = func(message, conversationID string) (*interfaces.QueryResult, error) {
		return nil, emptyKBError()
	}

	_, err := f.dispatcher.Dispatch(context.Background(), "1", "question", nil, true)
	require.Error(t, err)
	assert.Equal(t, 1, f.gateway.chatCalls, "an empty-KB error in direct mode must not re-enter the fallback")
}

func TestOtherErrorsDoNotFallBack(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"server error", &models.APIError{StatusCode: 500, Class: models.ErrorClassServer, Message: "boom"}},
		{"transport error", &models.APIError{Class: models.ErrorClassTransport, Message: "dial refused"}},
		{"other bad request", &models.APIError{StatusCode: 400, Class: models.ErrorClassBadRequest, Message: "query is required"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.gateway.queryFn = func(req *interfaces.QueryRequest) (*interfaces.QueryResult, error) {
				return nil, tt.err
			}

			_, err := f.dispatcher.Dispatch(context.Background(), "1", "question", []string{"5"}, false)
			require.Error(t, err)
			assert.Zero(t, f.gateway.chatCalls)

			active := f.store.Active()
			last := active.Messages[len(active.Messages)-1]
			assert.True(t, last.Transient, "terminal errors render as transient bubbles")
		})
	}
}

func TestBusyRejectsConcurrentSend(t *testing.T) {
	f := newFixture(t)

	var innerErr error
	f.gateway.queryFn = func(req *interfaces.QueryRequest) (*interfaces.QueryResult, error) {
		// Re-entrancy while the first send is in flight.
		_, innerErr = f.dispatcher.Dispatch(context.Background(), "1", "again", nil, false)
		return &interfaces.QueryResult{Answer: "ok"}, nil
	}

	_, err := f.dispatcher.Dispatch(context.Background(), "1", "question", nil, false)
	require.NoError(t, err)
	assert.ErrorIs(t, innerErr, ErrConversationBusy)
	assert.False(t, f.dispatcher.Busy("1"), "busy flag must clear after the send resolves")
}

func TestBusyClearsAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.gateway.queryFn = func(req *interfaces.QueryRequest) (*interfaces.QueryResult, error) {
		return nil, &models.APIError{Class: models.ErrorClassTransport, Message: "down"}
	}

	_, err := f.dispatcher.Dispatch(context.Background(), "1", "question", nil, false)
	require.Error(t, err)
	assert.False(t, f.dispatcher.Busy("1"))
}

func TestRespondDoesNotAppendUserMessage(t *testing.T) {
	f := newFixture(t)

	msg, err := f.dispatcher.Respond(context.Background(), "1", "edited question", nil, false)
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Zero(t, f.gateway.addCalls)
	active := f.store.Active()
	require.Len(t, active.Messages, 1)
	assert.False(t, active.Messages[0].IsUser)
}

func TestSelectedLibrariesCachedAndWrittenThrough(t *testing.T) {
	f := newFixture(t)
	f.prefs.selected["1"] = []string{"9"}

	assert.Equal(t, []string{"9"}, f.dispatcher.SelectedLibraries(context.Background(), "1"))

	f.dispatcher.SetSelectedLibraries(context.Background(), "1", []string{"2", "3"})
	assert.Equal(t, []string{"2", "3"}, f.prefs.selected["1"], "selection written through to preferences")
	assert.Equal(t, []string{"2", "3"}, f.dispatcher.SelectedLibraries(context.Background(), "1"))

	// Persistence failure degrades to in-memory only.
	f.prefs.setErr = errors.New("disk full")
	f.dispatcher.SetSelectedLibraries(context.Background(), "1", []string{"7"})
	assert.Equal(t, []string{"7"}, f.dispatcher.SelectedLibraries(context.Background(), "1"))
}

func TestForgetConversation(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.SetSelectedLibraries(context.Background(), "1", []string{"2"})

	f.dispatcher.ForgetConversation(context.Background(), "1")

	assert.Equal(t, []string{"1"}, f.prefs.deleted)
	f.prefs.selected["1"] = nil
	assert.Empty(t, f.dispatcher.SelectedLibraries(context.Background(), "1"))
}
