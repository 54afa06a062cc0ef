package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Message type tags the widget reacts to.
const (
	TypeLivechatClose     = "livechat-close"
	TypeCommand           = "command"
	TypeNavigationHistory = "livechat_navigation_history"
	TypeUserJoined        = "uj"
	TypeUserLeft          = "ul"
	TypeUserAdded         = "au"
)

// Timestamp decodes the shapes the backend sends for dates and always
// encodes back to an RFC 3339 string.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp { return Timestamp{Time: t.UTC()} }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	switch b[0] {
	case '{':
		// EJSON date: {"$date": <epoch ms>}
		var ej struct {
			Date json.Number `json:"$date"`
		}
		if err := json.Unmarshal(b, &ej); err != nil {
			return fmt.Errorf("decode ejson date: %w", err)
		}
		ms, err := ej.Date.Int64()
		if err != nil {
			return fmt.Errorf("decode ejson date: %w", err)
		}
		*t = NewTimestamp(time.UnixMilli(ms))
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*t = Timestamp{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("decode timestamp %q: %w", s, err)
		}
		*t = NewTimestamp(parsed)
	default:
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("decode timestamp %s: %w", b, err)
		}
		*t = NewTimestamp(time.UnixMilli(ms))
	}
	return nil
}

// UserRef is the compact user reference embedded in messages and rooms.
type UserRef struct {
	ID       string `json:"_id"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
}

type Message struct {
	ID       string     `json:"_id"`
	RID      string     `json:"rid,omitempty"`
	Msg      string     `json:"msg"`
	HTML     string     `json:"html,omitempty"` // sanitized rendering of Msg
	TS       Timestamp  `json:"ts"`
	U        *UserRef   `json:"u,omitempty"`
	T        string     `json:"t,omitempty"`
	EditedAt *Timestamp `json:"editedAt,omitempty"`
}

// Edited reports whether the message carries an edit marker.
func (m Message) Edited() bool { return m.EditedAt != nil && !m.EditedAt.IsZero() }

// CanRender reports whether the message is shown in the conversation.
// System bookkeeping messages are stored but never rendered.
func (m Message) CanRender() bool {
	switch m.T {
	case TypeNavigationHistory, TypeUserAdded, TypeCommand, TypeUserJoined, TypeUserLeft:
		return false
	}
	return true
}

type Room struct {
	ID       string   `json:"_id"`
	ServedBy *UserRef `json:"servedBy,omitempty"`
	Open     bool     `json:"open"`
}

type Agent struct {
	ID       string `json:"_id"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	Status   string `json:"status,omitempty"`
}

type VisitorEmail struct {
	Address string `json:"address"`
}

// User is the local visitor as known to the backend.
type User struct {
	ID            string         `json:"_id"`
	Token         string         `json:"token,omitempty"`
	Username      string         `json:"username,omitempty"`
	Name          string         `json:"name,omitempty"`
	VisitorEmails []VisitorEmail `json:"visitorEmails,omitempty"`
}

// Email returns the first visitor email, if any.
func (u *User) Email() string {
	if u == nil || len(u.VisitorEmails) == 0 {
		return ""
	}
	return u.VisitorEmails[0].Address
}

// Guest is the visitor data supplied by the hosting page.
type Guest struct {
	Token      string `json:"token,omitempty"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Department string `json:"department,omitempty"`
	Username   string `json:"username,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

type Department struct {
	ID                 string `json:"_id"`
	Name               string `json:"name"`
	ShowOnRegistration bool   `json:"showOnRegistration,omitempty"`
}

type Settings struct {
	Transcript        bool `json:"transcript"`
	RegistrationForm  bool `json:"registrationForm"`
	AllowSwitchingDep bool `json:"allowSwitchingDepartments"`
}

type Config struct {
	Enabled     bool         `json:"enabled"`
	Online      bool         `json:"online"`
	Settings    Settings     `json:"settings"`
	Departments []Department `json:"departments,omitempty"`
}

type Sound struct {
	Src     string `json:"src,omitempty"`
	Enabled bool   `json:"enabled"`
	Play    bool   `json:"play"`
}

type Theme struct {
	Color     string `json:"color,omitempty"`
	FontColor string `json:"fontColor,omitempty"`
	IconColor string `json:"iconColor,omitempty"`
}

// Iframe holds what the hosting page configured for the widget frame.
type Iframe struct {
	Visible  bool   `json:"visible"`
	Language string `json:"language,omitempty"`
	Theme    Theme  `json:"theme"`
	Guest    Guest  `json:"guest"`
}
