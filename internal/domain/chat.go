package domain

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// ChatMessage is one message of the prompt sent upstream.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}
