package models

import "time"

type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Body      string
	Timestamp time.Time
	Delivered bool
}
