package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-livechat/livechat/api"
	"github.com/gosuda/portal-livechat/livechat/store"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeBackend struct {
	rec    *recorder
	guests []store.Guest
	navs   []api.Navigation
	fields []api.CustomField
	mu     sync.Mutex
}

func (f *fakeBackend) GrantVisitor(_ context.Context, g store.Guest) (*store.User, error) {
	f.mu.Lock()
	f.guests = append(f.guests, g)
	f.mu.Unlock()
	f.rec.add("grant %s", g.Token)
	return &store.User{ID: "u1", Token: g.Token}, nil
}

func (f *fakeBackend) SendVisitorNavigation(_ context.Context, nav api.Navigation) error {
	f.mu.Lock()
	f.navs = append(f.navs, nav)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) SendCustomField(_ context.Context, cf api.CustomField) error {
	f.mu.Lock()
	f.fields = append(f.fields, cf)
	f.mu.Unlock()
	f.rec.add("field %s=%s", cf.Key, cf.Value)
	return nil
}

type fakeLoader struct {
	rec *recorder
	st  *store.Store
}

func (l *fakeLoader) LoadConfig(context.Context) error {
	l.rec.add("config %s", l.st.State().Token)
	return nil
}

type fakeParent struct{ rec *recorder }

func (p fakeParent) Call(fn string, args ...any) { p.rec.add("parent %s %v", fn, args) }

type fakeTarget struct {
	mu        sync.Mutex
	listeners map[int]func(Event)
	next      int
}

func newFakeTarget() *fakeTarget { return &fakeTarget{listeners: map[int]func(Event){}} }

func (t *fakeTarget) AddListener(fn func(Event)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

func (t *fakeTarget) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

func (t *fakeTarget) post(data string) {
	t.mu.Lock()
	fns := make([]func(Event), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(Event{Data: json.RawMessage(data)})
	}
}

type fixture struct {
	st      *store.Store
	rec     *recorder
	backend *fakeBackend
	target  *fakeTarget
	d       *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.New(store.Initial())
	rec := &recorder{}
	f := &fixture{
		st:      st,
		rec:     rec,
		backend: &fakeBackend{rec: rec},
		target:  newFakeTarget(),
	}
	f.d = New(context.Background(), st, f.backend, &fakeLoader{rec: rec, st: st}, Options{
		Parent:   fakeParent{rec: rec},
		NewToken: func() string { return "generated" },
	})
	f.d.Init(f.target)
	t.Cleanup(f.d.Reset)
	return f
}

func frame(fn string, args string) string {
	if args == "" {
		return fmt.Sprintf(`{"src":"rocketchat","fn":%q}`, fn)
	}
	return fmt.Sprintf(`{"src":"rocketchat","fn":%q,"args":%s}`, fn, args)
}

func TestUntrustedFramesAreIgnored(t *testing.T) {
	f := newFixture(t)
	before := f.st.State()

	f.target.post(`{"src":"evil","fn":"setExpanded","args":[true]}`)
	f.target.post(`{"fn":"setExpanded","args":[true]}`)
	f.target.post(`"setExpanded"`)
	f.target.post(`[1,2]`)
	f.target.post(`{not json`)

	assert.Equal(t, before, f.st.State())
	assert.Empty(t, f.rec.list())
}

func TestUnknownCommandIsIgnored(t *testing.T) {
	f := newFixture(t)
	before := f.st.State()

	require.NotPanics(t, func() { f.target.post(frame("doesNotExist", `[1]`)) })
	assert.Equal(t, before, f.st.State())
}

func TestCustomSource(t *testing.T) {
	st := store.New(store.Initial())
	rec := &recorder{}
	d := New(context.Background(), st, &fakeBackend{rec: rec}, &fakeLoader{rec: rec, st: st}, Options{Source: "acme"})

	d.Deliver(Event{Data: json.RawMessage(frame("setExpanded", `[true]`))})
	assert.False(t, st.State().Expanded)

	d.Deliver(Event{Data: json.RawMessage(`{"src":"acme","fn":"setExpanded","args":[true]}`)})
	assert.True(t, st.State().Expanded)
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{"null", nil},
		{`"x"`, []string{`"x"`}},
		{`{"a":1}`, []string{`{"a":1}`}},
		{`[1,"b",null]`, []string{`1`, `"b"`, `null`}},
		{`[]`, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := splitArgs(json.RawMessage(tt.raw))
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.Len(t, got, len(tt.want))
			for i := range got {
				assert.JSONEq(t, tt.want[i], string(got[i]))
			}
		})
	}
}

func TestSingleArgumentIsWrapped(t *testing.T) {
	f := newFixture(t)
	f.target.post(frame("setLanguage", `"pt-BR"`))
	assert.Equal(t, "pt-BR", f.st.State().Iframe.Language)
}

func TestInitRegistersOnce(t *testing.T) {
	f := newFixture(t)
	f.d.Init(f.target)
	f.d.Init(f.target)
	assert.Equal(t, 1, f.target.count())
	assert.True(t, f.d.Started())

	f.d.Reset()
	assert.Equal(t, 0, f.target.count())
	assert.False(t, f.d.Started())

	f.d.Init(f.target)
	assert.Equal(t, 1, f.target.count())
}

func TestSetDepartment(t *testing.T) {
	f := newFixture(t)
	f.st.Update(func(st *store.State) {
		st.Config.Departments = []store.Department{
			{ID: "d1", Name: "Sales"},
			{ID: "d2", Name: "Support"},
		}
	})

	f.target.post(frame("setDepartment", `["Support"]`))
	assert.Equal(t, "d2", f.st.State().Iframe.Guest.Department)

	f.target.post(frame("setDepartment", `["d1"]`))
	assert.Equal(t, "d1", f.st.State().Iframe.Guest.Department)

	f.target.post(frame("setDepartment", `["Billing"]`))
	assert.Equal(t, "", f.st.State().Iframe.Guest.Department)

	f.target.post(frame("setDepartment", `["d1"]`))
	f.target.post(frame("clearDepartment", ""))
	assert.Equal(t, "", f.st.State().Iframe.Guest.Department)

	// no visitor yet, nothing reaches the backend
	f.d.Wait()
	assert.Empty(t, f.backend.guests)
}

func TestGuestUpdatesReachBackendOnceVisitorExists(t *testing.T) {
	f := newFixture(t)
	f.st.Update(func(st *store.State) {
		st.Token = "tok"
		st.User = &store.User{ID: "u1", Token: "tok"}
	})

	f.target.post(frame("setGuestName", `["Ann"]`))
	f.d.Wait()

	assert.Equal(t, "Ann", f.st.State().Iframe.Guest.Name)
	require.Len(t, f.backend.guests, 1)
	assert.Equal(t, store.Guest{Token: "tok", Name: "Ann"}, f.backend.guests[0])
	assert.Equal(t, []string{"grant tok", "config tok"}, f.rec.list())
}

func TestRegisterGuest(t *testing.T) {
	f := newFixture(t)
	f.st.Update(func(st *store.State) {
		st.Config.Departments = []store.Department{{ID: "d1", Name: "Sales"}}
	})

	f.target.post(frame("registerGuest", `[{"name":"Ann","email":"ann@example.com","department":"Sales"}]`))
	f.d.Wait()

	st := f.st.State()
	assert.Equal(t, "generated", st.Token)
	assert.Equal(t, "d1", st.Iframe.Guest.Department)
	require.Len(t, f.backend.guests, 1)
	assert.Equal(t, "Ann", f.backend.guests[0].Name)
	assert.Equal(t, "generated", f.backend.guests[0].Token)
	assert.Equal(t, []string{"grant generated", "config generated"}, f.rec.list())
}

func TestRegisterGuestWithoutArgs(t *testing.T) {
	f := newFixture(t)
	f.target.post(frame("registerGuest", ""))
	f.d.Wait()
	require.Len(t, f.backend.guests, 1)
	assert.Equal(t, "generated", f.backend.guests[0].Token)
}

func TestRegisterGuestRejectsNonObject(t *testing.T) {
	f := newFixture(t)
	f.target.post(frame("registerGuest", `["ann"]`))
	f.d.Wait()
	assert.Empty(t, f.backend.guests)
}

func TestSetGuestToken(t *testing.T) {
	f := newFixture(t)
	f.st.Update(func(st *store.State) { st.Token = "same" })

	f.target.post(frame("setGuestToken", `["same"]`))
	assert.Empty(t, f.rec.list())

	f.target.post(frame("setGuestToken", `["fresh"]`))
	st := f.st.State()
	assert.Equal(t, "fresh", st.Token)
	assert.Equal(t, "fresh", st.Iframe.Guest.Token)
	assert.Equal(t, []string{"config fresh"}, f.rec.list())
}

func TestWidgetVisibility(t *testing.T) {
	f := newFixture(t)

	f.target.post(frame("hideWidget", ""))
	assert.False(t, f.st.State().Iframe.Visible)
	f.target.post(frame("showWidget", ""))
	assert.True(t, f.st.State().Iframe.Visible)

	assert.Equal(t, []string{"parent hideWidget []", "parent showWidget []"}, f.rec.list())
}

func TestSetThemeAndExpanded(t *testing.T) {
	f := newFixture(t)
	f.target.post(frame("setTheme", `[{"color":"#c00","fontColor":"#fff","iconColor":"#000"}]`))
	f.target.post(frame("setExpanded", `[true]`))

	st := f.st.State()
	assert.Equal(t, store.Theme{Color: "#c00", FontColor: "#fff", IconColor: "#000"}, st.Iframe.Theme)
	assert.True(t, st.Expanded)
}

func TestPageVisited(t *testing.T) {
	st := store.New(store.Initial())
	rec := &recorder{}
	backend := &fakeBackend{rec: rec}
	var changes []api.PageInfo
	d := New(context.Background(), st, backend, &fakeLoader{rec: rec, st: st}, Options{
		OnURLChange: func(info api.PageInfo) { changes = append(changes, info) },
	})
	visit := frame("pageVisited", `[{"change":"url","title":"Pricing","location":{"href":"https://example.com/pricing"}}]`)

	d.Deliver(Event{Data: json.RawMessage(visit)})
	assert.Len(t, changes, 1)
	assert.Empty(t, backend.navs, "no room yet")

	st.Update(func(s *store.State) {
		s.Token = "tok"
		s.Room = &store.Room{ID: "r1"}
	})
	d.Deliver(Event{Data: json.RawMessage(visit)})
	require.Len(t, backend.navs, 1)
	assert.Equal(t, "r1", backend.navs[0].RID)
	assert.Equal(t, "tok", backend.navs[0].Token)
	assert.Equal(t, "https://example.com/pricing", backend.navs[0].PageInfo.Location.Href)
}

func TestCustomFieldsQueueUntilVisitor(t *testing.T) {
	f := newFixture(t)

	f.target.post(frame("setCustomField", `["plan","free"]`))
	f.target.post(frame("setCustomField", `["seats",5,false]`))
	f.target.post(frame("setCustomField", `["plan","pro"]`))
	assert.Empty(t, f.backend.fields)

	f.st.Update(func(st *store.State) {
		st.Token = "tok"
		st.User = &store.User{ID: "u1"}
	})
	require.Len(t, f.backend.fields, 2)
	assert.Equal(t, api.CustomField{Token: "tok", Key: "plan", Value: "pro", Overwrite: true}, f.backend.fields[0])
	assert.Equal(t, api.CustomField{Token: "tok", Key: "seats", Value: "5", Overwrite: false}, f.backend.fields[1])

	f.target.post(frame("setCustomField", `["plan","team"]`))
	require.Len(t, f.backend.fields, 3)
	assert.Equal(t, "team", f.backend.fields[2].Value)
}

func TestCustomFieldsStartImmediatelyWithVisitor(t *testing.T) {
	st := store.New(store.Initial())
	st.Update(func(s *store.State) { s.User = &store.User{ID: "u1"} })
	rec := &recorder{}
	backend := &fakeBackend{rec: rec}

	fields := NewCustomFields(st, backend)
	fields.Init(context.Background())
	require.NoError(t, fields.Set(context.Background(), "k", "v", true))
	assert.Equal(t, []string{"field k=v"}, rec.list())
}
