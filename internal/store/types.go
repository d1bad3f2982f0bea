package store

// Message is a cached chat message row.
type Message struct {
	Room        string
	MsgID       string
	AuthorID    string
	AuthorName  string
	Content     string
	MessageType string
	CreatedAt   int64 // unix millis
}

// OutboxEntry is a chat message pending durable persistence.
type OutboxEntry struct {
	ID           int64
	MsgID        string
	Room         string
	AuthorID     string
	AuthorName   string
	Content      string
	MessageType  string
	CreatedAt    int64 // unix millis
	Status       string // queued, sending, persisted, failed
	ErrorMessage string
}
