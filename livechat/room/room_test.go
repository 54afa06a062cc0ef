package room

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-livechat/livechat/api"
	"github.com/gosuda/portal-livechat/livechat/store"
)

// trace records collaborator calls in order.
type trace struct{ calls []string }

func (t *trace) add(format string, args ...any) {
	t.calls = append(t.calls, fmt.Sprintf(format, args...))
}

type fakeBackend struct {
	tr *trace

	token      string
	history    []store.Message // newest first
	limits     []int
	agent      *store.Agent
	config     *api.Config
	loadErr    error
	configErr  error
	onMessage  []func(store.Message)
	onTyping   []func(string, bool)
	agentFns   map[string][]func(store.Agent)
	statusFns  map[string][]func(string)
	transcript []api.TranscriptRequest
}

func newFakeBackend(tr *trace) *fakeBackend {
	return &fakeBackend{
		tr:        tr,
		config:    &api.Config{},
		agentFns:  map[string][]func(store.Agent){},
		statusFns: map[string][]func(string){},
	}
}

func (f *fakeBackend) SetToken(token string) { f.token = token }
func (f *fakeBackend) SubscribeRoom(_ context.Context, rid string) error {
	f.tr.add("subscribe %s", rid)
	return nil
}
func (f *fakeBackend) UnsubscribeAll() {
	f.tr.add("unsubscribeAll")
	f.agentFns = map[string][]func(store.Agent){}
	f.statusFns = map[string][]func(string){}
}
func (f *fakeBackend) OnAgentChange(rid string, fn func(store.Agent)) {
	f.agentFns[rid] = append(f.agentFns[rid], fn)
}
func (f *fakeBackend) OnAgentStatusChange(rid string, fn func(string)) {
	f.statusFns[rid] = append(f.statusFns[rid], fn)
}
func (f *fakeBackend) OnTyping(fn func(string, bool))   { f.onTyping = append(f.onTyping, fn) }
func (f *fakeBackend) OnMessage(fn func(store.Message)) { f.onMessage = append(f.onMessage, fn) }
func (f *fakeBackend) Agent(_ context.Context, rid string) (*store.Agent, error) {
	f.tr.add("agent %s", rid)
	return f.agent, nil
}
func (f *fakeBackend) LoadMessages(_ context.Context, rid string, limit int) ([]store.Message, error) {
	f.tr.add("load %s %d", rid, limit)
	f.limits = append(f.limits, limit)
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if limit <= 0 || limit >= len(f.history) {
		return append([]store.Message(nil), f.history...), nil
	}
	return append([]store.Message(nil), f.history[:limit]...), nil
}
func (f *fakeBackend) Config(_ context.Context, token string) (*api.Config, error) {
	f.tr.add("config %s", token)
	if f.configErr != nil {
		return nil, f.configErr
	}
	return f.config, nil
}
func (f *fakeBackend) RequestTranscript(_ context.Context, req api.TranscriptRequest) error {
	f.tr.add("transcript %s", req.Email)
	f.transcript = append(f.transcript, req)
	return nil
}

type fakeParent struct{ tr *trace }

func (p fakeParent) Call(fn string, args ...any) { p.tr.add("parent %s %v", fn, args) }

type fakeCookies struct{ tr *trace }

func (c fakeCookies) SetCookies(rid, token string) error {
	c.tr.add("cookies %s %s", rid, token)
	return nil
}

type fakeNavigator struct{ tr *trace }

func (n fakeNavigator) Navigate(path string) { n.tr.add("navigate %s", path) }

func at(sec int64) store.Timestamp { return store.NewTimestamp(time.Unix(sec, 0)) }

func newSync(t *testing.T, initial store.State) (*Sync, *store.Store, *fakeBackend, *trace) {
	t.Helper()
	tr := &trace{}
	st := store.New(initial)
	fb := newFakeBackend(tr)
	s := New(st, fb, Options{
		Parent:    fakeParent{tr},
		Cookies:   fakeCookies{tr},
		Navigator: fakeNavigator{tr},
	})
	return s, st, fb, tr
}

func activeState() store.State {
	st := store.Initial()
	st.Token = "tok"
	st.Room = &store.Room{ID: "r1"}
	st.User = &store.User{ID: "u1", Username: "visitor"}
	return st
}

func TestEditedMessageReplacesInPlaceWithoutUnread(t *testing.T) {
	initial := activeState()
	initial.Messages = []store.Message{{ID: "1", TS: at(1), Msg: "first"}, {ID: "2", TS: at(2)}}
	s, st, _, _ := newSync(t, initial)

	edited := at(5)
	require.NoError(t, s.HandleMessage(context.Background(), store.Message{ID: "1", TS: at(1), Msg: "edited", EditedAt: &edited}))

	cur := st.State()
	require.Len(t, cur.Messages, 2)
	assert.Equal(t, "1", cur.Messages[0].ID)
	assert.Equal(t, "edited", cur.Messages[0].Msg)
	assert.Equal(t, 0, cur.Unread)
	assert.False(t, cur.Sound.Play)
}

func TestNewMessageTracksUnreadAndSound(t *testing.T) {
	initial := activeState()
	initial.Messages = []store.Message{{ID: "1", TS: at(1)}}
	initial.LastReadMessageID = "1"
	s, st, _, _ := newSync(t, initial)

	agent := &store.UserRef{ID: "a1"}
	require.NoError(t, s.HandleMessage(context.Background(), store.Message{ID: "2", TS: at(2), U: agent}))
	require.NoError(t, s.HandleMessage(context.Background(), store.Message{ID: "3", TS: at(3), U: agent, T: store.TypeUserJoined}))
	require.NoError(t, s.HandleMessage(context.Background(), store.Message{ID: "4", TS: at(4), U: agent}))

	cur := st.State()
	assert.Len(t, cur.Messages, 4)
	assert.Equal(t, 2, cur.Unread)
	assert.True(t, cur.Sound.Play)
}

func TestUnreadUntouchedWhileWidgetOpen(t *testing.T) {
	initial := activeState()
	initial.Minimized = false
	s, st, _, _ := newSync(t, initial)
	require.NoError(t, s.HandleMessage(context.Background(), store.Message{ID: "1", TS: at(1)}))
	assert.Equal(t, 0, st.State().Unread)
}

func TestSoundSkipsOwnMessagesAndDisabledSound(t *testing.T) {
	s, st, _, _ := newSync(t, activeState())
	require.NoError(t, s.HandleMessage(context.Background(), store.Message{ID: "1", TS: at(1), U: &store.UserRef{ID: "u1"}}))
	assert.False(t, st.State().Sound.Play)

	st.Update(func(st *store.State) { st.Sound.Enabled = false })
	require.NoError(t, s.HandleMessage(context.Background(), store.Message{ID: "2", TS: at(2), U: &store.UserRef{ID: "a1"}}))
	assert.False(t, st.State().Sound.Play)
}

func TestNormalizerRejectDropsMessage(t *testing.T) {
	s, st, _, _ := newSync(t, activeState())
	require.NoError(t, s.HandleMessage(context.Background(), store.Message{TS: at(1), Msg: "no id"}))
	assert.Empty(t, st.State().Messages)
}

func TestCloseMessageRunsCloseFlowInOrder(t *testing.T) {
	initial := activeState()
	initial.Config.Settings.Transcript = true
	initial.User.VisitorEmails = []store.VisitorEmail{{Address: "ann@example.com"}}
	s, st, fb, tr := newSync(t, initial)
	fb.config = &api.Config{Guest: &store.User{ID: "u1"}}

	require.NoError(t, s.HandleMessage(context.Background(), store.Message{ID: "c", TS: at(9), T: store.TypeLivechatClose}))

	assert.Equal(t, []string{
		"transcript ann@example.com",
		"config tok",
		"parent callback [chat-ended]",
		"navigate /chat-finished",
	}, tr.calls)
	assert.Equal(t, PhaseInactive, s.Phase())
	assert.Nil(t, st.State().Room)
}

func TestCloseFailureStillTracksUnreadAndSound(t *testing.T) {
	s, st, fb, tr := newSync(t, activeState())
	fb.configErr = errors.New("backend down")

	require.NoError(t, s.HandleMessage(context.Background(), store.Message{ID: "c", TS: at(9), T: store.TypeLivechatClose}))

	cur := st.State()
	assert.Equal(t, 1, cur.Unread)
	assert.True(t, cur.Sound.Play)
	assert.NotContains(t, tr.calls, "navigate /chat-finished")
	assert.Equal(t, PhaseInactive, s.Phase())
}

func TestCloseChatResetsTyping(t *testing.T) {
	s, st, _, _ := newSync(t, activeState())
	s.HandleTyping("agent", true)
	require.Equal(t, []string{"agent"}, st.State().Typing)

	require.NoError(t, s.CloseChat(context.Background()))
	assert.Empty(t, st.State().Typing)
	assert.Nil(t, st.State().Room)
}

func TestCloseChatWithoutTranscriptSetting(t *testing.T) {
	s, _, _, tr := newSync(t, activeState())
	require.NoError(t, s.CloseChat(context.Background()))
	assert.Equal(t, []string{"config tok", "parent callback [chat-ended]", "navigate /chat-finished"}, tr.calls)
}

func TestCommandMessages(t *testing.T) {
	s, st, _, _ := newSync(t, activeState())
	ran := 0
	s.commands.Register("connected", func(context.Context) error { ran++; return nil })

	require.NoError(t, s.HandleMessage(context.Background(), store.Message{ID: "1", TS: at(1), T: store.TypeCommand, Msg: "connected"}))
	require.NoError(t, s.HandleMessage(context.Background(), store.Message{ID: "2", TS: at(2), T: store.TypeCommand, Msg: "nope"}))
	assert.Equal(t, 1, ran)
	// command messages are stored but never counted as unread
	assert.Len(t, st.State().Messages, 2)
	assert.Equal(t, 0, st.State().Unread)
}

func TestTypingSet(t *testing.T) {
	s, st, _, _ := newSync(t, activeState())

	s.HandleTyping("visitor", true)
	assert.Empty(t, st.State().Typing)

	s.HandleTyping("agent", true)
	s.HandleTyping("agent", true)
	s.HandleTyping("other", true)
	assert.Equal(t, []string{"agent", "other"}, st.State().Typing)

	s.HandleTyping("ghost", false)
	assert.Equal(t, []string{"agent", "other"}, st.State().Typing)

	s.HandleTyping("agent", false)
	assert.Equal(t, []string{"other"}, st.State().Typing)
}

func TestInitRoomWithoutRoomIsNoop(t *testing.T) {
	s, _, _, tr := newSync(t, store.Initial())
	require.NoError(t, s.InitRoom(context.Background()))
	assert.Empty(t, tr.calls)
	assert.Equal(t, PhaseInactive, s.Phase())
}

func TestInitRoomResolvesAgentAndNotifies(t *testing.T) {
	initial := activeState()
	initial.Room.ServedBy = &store.UserRef{ID: "a1"}
	s, st, fb, tr := newSync(t, initial)
	fb.agent = &store.Agent{ID: "a1", Username: "smith", Status: "online"}

	require.NoError(t, s.InitRoom(context.Background()))
	assert.Equal(t, []string{
		"unsubscribeAll",
		"subscribe r1",
		"agent r1",
		"cookies r1 tok",
		"parent callback [chat-started]",
	}, tr.calls)
	assert.Equal(t, PhaseActive, s.Phase())
	assert.Equal(t, "smith", st.State().Agent.Username)

	fb.statusFns["r1"][0]("away")
	assert.Equal(t, "away", st.State().Agent.Status)
	fb.agentFns["r1"][0](store.Agent{ID: "a2", Username: "jones"})
	assert.Equal(t, "jones", st.State().Agent.Username)
}

func TestInitRoomSkipsAgentLookup(t *testing.T) {
	known := activeState()
	known.Room.ServedBy = &store.UserRef{ID: "a1"}
	known.Agent = &store.Agent{ID: "a1"}
	s, _, _, tr := newSync(t, known)
	require.NoError(t, s.InitRoom(context.Background()))
	assert.NotContains(t, tr.calls, "agent r1")

	s, _, _, tr = newSync(t, activeState())
	require.NoError(t, s.InitRoom(context.Background()))
	assert.NotContains(t, tr.calls, "agent r1")
}

func TestLoadMessagesWithoutRoom(t *testing.T) {
	initial := store.Initial()
	initial.Room = &store.Room{}
	s, st, fb, tr := newSync(t, initial)
	before := st.State()

	require.NoError(t, s.LoadMessages(context.Background()))
	assert.Equal(t, before, st.State())
	assert.False(t, st.State().Loading)
	assert.Empty(t, fb.limits)
	assert.Empty(t, tr.calls)
}

func TestLoadMessagesReplacesHistory(t *testing.T) {
	initial := activeState()
	initial.NoMoreMessages = true
	initial.Messages = []store.Message{{ID: "old", TS: at(1)}}
	s, st, fb, tr := newSync(t, initial)
	fb.history = []store.Message{{ID: "3", TS: at(3)}, {ID: "2", TS: at(2)}, {ID: "1", TS: at(1)}}

	require.NoError(t, s.LoadMessages(context.Background()))

	cur := st.State()
	require.Len(t, cur.Messages, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{cur.Messages[0].ID, cur.Messages[1].ID, cur.Messages[2].ID})
	assert.False(t, cur.Loading)
	assert.False(t, cur.NoMoreMessages)
	assert.Equal(t, "3", cur.LastReadMessageID)
	assert.Equal(t, "load r1 0", tr.calls[0])
	assert.Contains(t, tr.calls, "subscribe r1")
}

func TestLoadMessagesPropagatesErrors(t *testing.T) {
	s, _, fb, _ := newSync(t, activeState())
	fb.loadErr = errors.New("boom")
	err := s.LoadMessages(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fb.loadErr)
}

func TestLoadMoreMessages(t *testing.T) {
	for _, tc := range []struct {
		name      string
		have      int
		available int
		noMore    bool
	}{
		{"full page", 5, 40, false},
		{"exact page", 5, 15, false},
		{"short page", 5, 12, true},
		{"empty", 0, 0, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			initial := activeState()
			for i := 0; i < tc.have; i++ {
				initial.Messages = append(initial.Messages, store.Message{ID: fmt.Sprint("h", i), TS: at(int64(i))})
			}
			s, st, fb, _ := newSync(t, initial)
			for i := tc.available; i > 0; i-- {
				fb.history = append(fb.history, store.Message{ID: fmt.Sprint("m", i), TS: at(int64(i))})
			}

			require.NoError(t, s.LoadMoreMessages(context.Background()))
			cur := st.State()
			assert.Equal(t, []int{tc.have + 10}, fb.limits)
			assert.Equal(t, tc.noMore, cur.NoMoreMessages)
			assert.False(t, cur.Loading)
			assert.Len(t, cur.Messages, min(tc.available, tc.have+10))
			for i := 1; i < len(cur.Messages); i++ {
				assert.True(t, cur.Messages[i].TS.After(cur.Messages[i-1].TS.Time))
			}
		})
	}
}

func TestLoadMoreMessagesStopsAtEnd(t *testing.T) {
	initial := activeState()
	initial.NoMoreMessages = true
	s, _, fb, _ := newSync(t, initial)
	require.NoError(t, s.LoadMoreMessages(context.Background()))
	assert.Empty(t, fb.limits)
}

func TestRegisterInstallsHandlersOnce(t *testing.T) {
	s, st, fb, _ := newSync(t, activeState())
	s.Register(context.Background())
	s.Register(context.Background())
	require.Len(t, fb.onMessage, 1)
	require.Len(t, fb.onTyping, 1)

	fb.onMessage[0](store.Message{ID: "1", TS: at(1)})
	fb.onTyping[0]("agent", true)
	assert.Len(t, st.State().Messages, 1)
	assert.Equal(t, []string{"agent"}, st.State().Typing)
}

func TestDefaultRoomParams(t *testing.T) {
	initial := activeState()
	s, st, _, _ := newSync(t, initial)
	assert.Empty(t, s.DefaultRoomParams())
	st.Update(func(st *store.State) { st.TriggerAgent = &store.Agent{ID: "a9"} })
	assert.Equal(t, map[string]string{"agentId": "a9"}, s.DefaultRoomParams())
}

func TestNormalizeSanitizes(t *testing.T) {
	raw := " <b>hi</b><script>alert(1)</script> "
	m, ok := Normalize(store.Message{ID: "1", Msg: raw})
	require.True(t, ok)
	assert.Equal(t, "<b>hi</b>", m.HTML)
	assert.Equal(t, raw, m.Msg)
}

func TestNormalizeKeepsPlainText(t *testing.T) {
	for _, text := range []string{`I don't know`, `say "hi"`, `a < b & c`} {
		t.Run(text, func(t *testing.T) {
			m, ok := Normalize(store.Message{ID: "1", Msg: text})
			require.True(t, ok)
			assert.Equal(t, text, m.Msg)
		})
	}
}
