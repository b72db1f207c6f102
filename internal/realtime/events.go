package realtime

// MessagePayload is the body of a "message" event.
type MessagePayload struct {
	ChatID     string `json:"chatId"`
	Ciphertext string `json:"ciphertext"`
	Sender     string `json:"sender"`
}

// TypingPayload is the body of "typing" and "stop-typing" events.
// Outbound frames carry only the chat id; the server enriches inbound
// frames with the sender.
type TypingPayload struct {
	ChatID string `json:"chatId"`
	Sender string `json:"sender,omitempty"`
}

// StateChangePayload is the body of a "chat-state-change" event.
type StateChangePayload struct {
	ChatID     string `json:"chatId"`
	IsOpenChat bool   `json:"isOpenChat"`
}

// JoinChat subscribes this connection to a chat's pushes. The channel
// delivers events only for joined chats.
func (c *Client) JoinChat(chatID string) error {
	return c.Publish(EventJoinChat, chatID)
}

// LeaveChat unsubscribes this connection from a chat's pushes.
func (c *Client) LeaveChat(chatID string) error {
	return c.Publish(EventLeaveChat, chatID)
}

// SendMessage pushes a ciphertext to a chat's other participants.
func (c *Client) SendMessage(chatID, ciphertext, sender string) error {
	return c.Publish(EventMessage, MessagePayload{ChatID: chatID, Ciphertext: ciphertext, Sender: sender})
}

// SendTyping announces that the local user is typing in a chat.
func (c *Client) SendTyping(chatID string) error {
	return c.Publish(EventTyping, TypingPayload{ChatID: chatID})
}

// SendStopTyping announces that the local user stopped typing.
func (c *Client) SendStopTyping(chatID string) error {
	return c.Publish(EventStopTyping, TypingPayload{ChatID: chatID})
}

// SendChatStateChange propagates an open/closed toggle to other
// connected participants.
func (c *Client) SendChatStateChange(chatID string, isOpen bool) error {
	return c.Publish(EventChatStateChange, StateChangePayload{ChatID: chatID, IsOpenChat: isOpen})
}
