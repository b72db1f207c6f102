package chat

import "time"

// Wire shapes of the REST backend.

type chatEnvelope struct {
	ID             string          `json:"id"`
	ChatType       string          `json:"chatType"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	IndividualChat *individualChat `json:"individualChat"`
	GroupChat      *groupChat      `json:"groupChat"`
}

type individualChat struct {
	Participants []string `json:"participants"`
}

type groupChat struct {
	ChatID           string  `json:"chatId"`
	CreatorID        string  `json:"creatorId"`
	GroupName        string  `json:"groupName"`
	GroupDescription *string `json:"groupDescription"`
	IsOpenChat       bool    `json:"isOpenChat"`
	IsEditable       bool    `json:"isEditable"`
	CanInvite        bool    `json:"canInvite"`
}

// toChat resolves the display name: the group name for groups, the
// other participant for individual chats.
func (e chatEnvelope) toChat(currentUsername string) Chat {
	c := Chat{
		ID:           e.ID,
		Kind:         Kind(e.ChatType),
		LastActivity: e.UpdatedAt,
	}
	switch {
	case e.ChatType == string(KindGroup) && e.GroupChat != nil:
		c.Name = e.GroupChat.GroupName
		if c.Name == "" {
			c.Name = "Unnamed group"
		}
		if e.GroupChat.GroupDescription != nil {
			c.Description = *e.GroupChat.GroupDescription
		}
		c.IsOpen = e.GroupChat.IsOpenChat
	case e.IndividualChat != nil && len(e.IndividualChat.Participants) > 0:
		c.Name = e.IndividualChat.Participants[0]
		for _, p := range e.IndividualChat.Participants {
			if p != currentUsername {
				c.Name = p
				break
			}
		}
		// Individual chats have no open/closed toggle.
		c.IsOpen = true
	default:
		c.Name = "Chat"
		c.IsOpen = true
	}
	return c
}

type messageEnvelope struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chatId"`
	SenderID   string    `json:"senderId"`
	Ciphertext string    `json:"ciphertext"`
	SentAt     time.Time `json:"sentAt"`
	Sender     *struct {
		Username string `json:"username"`
	} `json:"sender"`
}

func (e messageEnvelope) toMessage(currentUserID string) Message {
	m := Message{
		ID:         e.ID,
		ChatID:     e.ChatID,
		Ciphertext: e.Ciphertext,
		SentAt:     e.SentAt,
		IsOwn:      e.SenderID == currentUserID,
		Status:     StatusConfirmed,
	}
	if e.Sender != nil {
		m.Sender = e.Sender.Username
	}
	return m
}

type memberRecord struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

type createGroupRequest struct {
	Name            string   `json:"name"`
	Description     *string  `json:"description"`
	Participants    []string `json:"participants"`
	IsOpenChat      bool     `json:"isOpenChat"`
	IsEditable      bool     `json:"isEditable"`
	CanInvite       bool     `json:"canInvite"`
	EnigmaMasterKey string   `json:"enigmaMasterKey"`
}

type sendMessageRequest struct {
	Ciphertext string `json:"ciphertext"`
}

type updateStateRequest struct {
	IsOpenChat bool `json:"isOpenChat"`
}
