package types

// MessageType tells the client which view to render for a response.
type MessageType string

const (
	MessageText          MessageType = "TEXT"
	MessageSportsSearch  MessageType = "SPORTS_SEARCH"
	MessageMarketOptions MessageType = "MARKET_OPTIONS"
	MessageAmountRequest MessageType = "BETTING_AMOUNT_REQUEST"
	MessageMarketFinal   MessageType = "MARKET_FINALIZED"
	MessageTokenBridge   MessageType = "TOKEN_BRIDGE"
	MessageTokenSwap     MessageType = "TOKEN_SWAP"
	MessageError         MessageType = "ERROR"
)

type ChatRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// ChatResponse is the envelope returned for every chat turn.
// Data is null for TEXT and ERROR responses.
type ChatResponse struct {
	ConversationID string      `json:"conversation_id"`
	Message        string      `json:"message"`
	MessageType    MessageType `json:"message_type"`
	Data           any         `json:"data"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}
