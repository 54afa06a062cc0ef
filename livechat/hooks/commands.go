package hooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-livechat/livechat/api"
	"github.com/gosuda/portal-livechat/livechat/store"
)

func (d *Dispatcher) registerBuiltins() {
	d.Register("pageVisited", d.pageVisited)
	d.Register("setCustomField", d.setCustomField)
	d.Register("setTheme", d.setTheme)
	d.Register("setDepartment", d.setDepartment)
	d.Register("clearDepartment", d.clearDepartment)
	d.Register("setExpanded", d.setExpanded)
	d.Register("setGuestToken", d.setGuestToken)
	d.Register("setGuestName", d.setGuestName)
	d.Register("setGuestEmail", d.setGuestEmail)
	d.Register("registerGuest", d.registerGuest)
	d.Register("setLanguage", d.setLanguage)
	d.Register("showWidget", d.showWidget)
	d.Register("hideWidget", d.hideWidget)
}

func (d *Dispatcher) pageVisited(ctx context.Context, args []json.RawMessage) error {
	info, _ := arg[api.PageInfo](args, 0)
	if info.Change == "url" && d.onURLChange != nil {
		d.onURLChange(info)
	}

	st := d.store.State()
	if st.Room == nil {
		return nil
	}
	return d.backend.SendVisitorNavigation(ctx, api.Navigation{
		Token: st.Token,
		RID:   st.Room.ID,
		PageInfo: api.PageInfo{
			Change:   info.Change,
			Title:    info.Title,
			Location: api.Location{Href: info.Location.Href},
		},
	})
}

func (d *Dispatcher) setCustomField(ctx context.Context, args []json.RawMessage) error {
	key, _ := arg[string](args, 0)
	var value string
	if len(args) > 1 {
		if s, ok := arg[string](args, 1); ok {
			value = s
		} else {
			value = string(args[1])
		}
	}
	overwrite := true
	if v, ok := arg[bool](args, 2); ok {
		overwrite = v
	}
	return d.fields.Set(ctx, key, value, overwrite)
}

func (d *Dispatcher) setTheme(_ context.Context, args []json.RawMessage) error {
	theme, _ := arg[store.Theme](args, 0)
	d.store.Update(func(st *store.State) { st.Iframe.Theme = theme })
	return nil
}

// setDepartment accepts a department id or name. Names that match no
// cached department clear the selection.
func (d *Dispatcher) setDepartment(ctx context.Context, args []json.RawMessage) error {
	value, _ := arg[string](args, 0)
	return d.selectDepartment(ctx, value)
}

func (d *Dispatcher) selectDepartment(ctx context.Context, value string) error {
	department := ""
	for _, dep := range d.store.State().Config.Departments {
		if dep.ID == value || dep.Name == value {
			department = dep.ID
			break
		}
	}
	d.updateIframeGuest(ctx, func(g *store.Guest) { g.Department = department })
	return nil
}

func (d *Dispatcher) clearDepartment(ctx context.Context, _ []json.RawMessage) error {
	d.updateIframeGuest(ctx, func(g *store.Guest) { g.Department = "" })
	return nil
}

func (d *Dispatcher) setExpanded(_ context.Context, args []json.RawMessage) error {
	expanded, _ := arg[bool](args, 0)
	d.store.Update(func(st *store.State) { st.Expanded = expanded })
	return nil
}

func (d *Dispatcher) setGuestToken(ctx context.Context, args []json.RawMessage) error {
	token, _ := arg[string](args, 0)
	if token == d.store.State().Token {
		return nil
	}
	d.store.Update(func(st *store.State) {
		st.Token = token
		st.Iframe.Guest.Token = token
	})
	return d.loader.LoadConfig(ctx)
}

func (d *Dispatcher) setGuestName(ctx context.Context, args []json.RawMessage) error {
	name, _ := arg[string](args, 0)
	d.updateIframeGuest(ctx, func(g *store.Guest) { g.Name = name })
	return nil
}

func (d *Dispatcher) setGuestEmail(ctx context.Context, args []json.RawMessage) error {
	email, _ := arg[string](args, 0)
	d.updateIframeGuest(ctx, func(g *store.Guest) { g.Email = email })
	return nil
}

func (d *Dispatcher) registerGuest(ctx context.Context, args []json.RawMessage) error {
	var guest store.Guest
	if len(args) > 0 {
		g, ok := arg[store.Guest](args, 0)
		if !ok || !isObject(args[0]) {
			return nil
		}
		guest = g
	}
	if guest.Token == "" {
		guest.Token = d.newToken()
	}
	if guest.Department != "" {
		if err := d.selectDepartment(ctx, guest.Department); err != nil {
			return err
		}
	}
	d.createOrUpdateGuest(guest)
	return nil
}

func (d *Dispatcher) setLanguage(_ context.Context, args []json.RawMessage) error {
	language, _ := arg[string](args, 0)
	d.store.Update(func(st *store.State) { st.Iframe.Language = language })
	if d.onLanguage != nil {
		d.onLanguage(language)
	}
	return nil
}

func (d *Dispatcher) showWidget(_ context.Context, _ []json.RawMessage) error {
	d.store.Update(func(st *store.State) { st.Iframe.Visible = true })
	d.parent.Call("showWidget")
	return nil
}

func (d *Dispatcher) hideWidget(_ context.Context, _ []json.RawMessage) error {
	d.store.Update(func(st *store.State) { st.Iframe.Visible = false })
	d.parent.Call("hideWidget")
	return nil
}

// updateIframeGuest applies change to the guest data the page supplied
// and, once a visitor exists, pushes the same change to the backend.
func (d *Dispatcher) updateIframeGuest(_ context.Context, change func(*store.Guest)) {
	st := d.store.Update(func(st *store.State) { change(&st.Iframe.Guest) })
	if st.User == nil {
		return
	}
	guest := store.Guest{Token: st.Token}
	change(&guest)
	d.createOrUpdateGuest(guest)
}

// createOrUpdateGuest grants the visitor and reloads the configuration
// in the background. Failures are logged only.
func (d *Dispatcher) createOrUpdateGuest(guest store.Guest) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.grantVisitor(d.ctx, guest); err != nil {
			log.Warn().Err(err).Msg("[hooks] create or update guest")
		}
	}()
}

func (d *Dispatcher) grantVisitor(ctx context.Context, guest store.Guest) error {
	if guest.Token != "" {
		d.store.Update(func(st *store.State) { st.Token = guest.Token })
	}
	if _, err := d.backend.GrantVisitor(ctx, guest); err != nil {
		return fmt.Errorf("grant visitor: %w", err)
	}
	return d.loader.LoadConfig(ctx)
}

func isObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b == '{'
	}
	return false
}
