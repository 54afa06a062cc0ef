package room

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-livechat/livechat/api"
	"github.com/gosuda/portal-livechat/livechat/store"
)

type transcriptSender interface {
	RequestTranscript(ctx context.Context, req api.TranscriptRequest) error
}

// ConfirmFunc asks the visitor whether the transcript should be mailed.
type ConfirmFunc func(ctx context.Context, email string) bool

// Transcript mails the conversation to the visitor when the widget
// settings ask for it and the visitor left an email address.
type Transcript struct {
	store   *store.Store
	sender  transcriptSender
	confirm ConfirmFunc
}

// NewTranscript builds the transcript step. A nil confirm accepts.
func NewTranscript(st *store.Store, sender transcriptSender, confirm ConfirmFunc) *Transcript {
	if confirm == nil {
		confirm = func(context.Context, string) bool { return true }
	}
	return &Transcript{store: st, sender: sender, confirm: confirm}
}

func (t *Transcript) Handle(ctx context.Context) error {
	st := t.store.State()
	if !st.Config.Settings.Transcript {
		return nil
	}
	email := st.User.Email()
	rid := st.RoomID()
	if email == "" || rid == "" {
		return nil
	}
	if !t.confirm(ctx, email) {
		return nil
	}
	if err := t.sender.RequestTranscript(ctx, api.TranscriptRequest{Token: st.Token, RID: rid, Email: email}); err != nil {
		return fmt.Errorf("request transcript: %w", err)
	}
	log.Info().Str("rid", rid).Msg("[room] transcript requested")
	return nil
}
