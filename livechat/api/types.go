package api

import "github.com/gosuda/portal-livechat/livechat/store"

// Config is the widget configuration returned for a visitor token.
type Config struct {
	store.Config
	Guest     *store.User  `json:"guest,omitempty"`
	Room      *store.Room  `json:"room,omitempty"`
	Agent     *store.Agent `json:"agent,omitempty"`
	Resources struct {
		Sound struct {
			Src string `json:"src,omitempty"`
		} `json:"sound"`
	} `json:"resources"`
}

type Location struct {
	Href string `json:"href"`
}

type PageInfo struct {
	Change   string   `json:"change"`
	Title    string   `json:"title"`
	Location Location `json:"location"`
}

type Navigation struct {
	Token    string   `json:"token"`
	RID      string   `json:"rid"`
	PageInfo PageInfo `json:"pageInfo"`
}

type CustomField struct {
	Token     string `json:"token"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Overwrite bool   `json:"overwrite"`
}

type TranscriptRequest struct {
	Token string `json:"token"`
	RID   string `json:"rid"`
	Email string `json:"email"`
}
