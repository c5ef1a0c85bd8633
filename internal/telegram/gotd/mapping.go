package gotd

import (
	"time"

	"github.com/gotd/td/tg"

	"github.com/and161185/tgcollector/internal/model"
	"github.com/and161185/tgcollector/internal/telegram"
)

// toUpdate maps a protocol message to an Update. Only private-chat text messages qualify.
func toUpdate(kind telegram.UpdateKind, msg tg.MessageClass, self int64, label string) (telegram.Update, bool) {
	m, ok := msg.(*tg.Message)
	if !ok {
		return telegram.Update{}, false
	}
	peer, ok := m.PeerID.(*tg.PeerUser)
	if !ok {
		return telegram.Update{}, false
	}

	sender := peer.UserID
	if m.Out {
		sender = self
	} else if from, ok := m.GetFromID(); ok {
		if u, ok := from.(*tg.PeerUser); ok {
			sender = u.UserID
		}
	}

	return telegram.Update{
		Kind:           kind,
		Session:        label,
		CounterpartyID: peer.UserID,
		SenderID:       sender,
		Outgoing:       m.Out,
		Date:           time.Unix(int64(m.Date), 0).UTC(),
		Text:           m.Message,
	}, true
}

func contacts(users []tg.UserClass, self int64) []model.Contact {
	out := make([]model.Contact, 0, len(users))
	for _, uc := range users {
		u, ok := uc.(*tg.User)
		if !ok || u.ID == self || u.Self {
			continue
		}
		out = append(out, model.Contact{
			ID:        u.ID,
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Username:  u.Username,
			Phone:     u.Phone,
			IsBot:     u.Bot,
		})
	}
	return out
}
