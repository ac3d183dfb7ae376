package models

// ChatMessage is one relayed chat line. Timestamp is epoch milliseconds assigned by the relay.
type ChatMessage struct {
	SenderID  string `json:"senderId"`
	RoomID    string `json:"roomId"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}
