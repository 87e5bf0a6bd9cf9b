package quotes

import (
	"errors"
	"time"
)

// ErrNotFound indicates the quote does not exist for the client.
var ErrNotFound = errors.New("quotes: not found")

// Quote is a priced travel proposal issued to a client.
type Quote struct {
	ID         int64     `json:"id"`
	ClientID   string    `json:"clientId"`
	Reference  string    `json:"reference"`
	Title      string    `json:"title"`
	TotalCents int64     `json:"totalCents"`
	Currency   string    `json:"currency"`
	Status     string    `json:"status"`
	SourceID   *int64    `json:"sourceId,omitempty"`
	CreatedBy  int64     `json:"createdBy"`
	CreatedAt  time.Time `json:"createdAt"`
}

// StatusDraft marks a quote that has not been sent.
const StatusDraft = "draft"
