package audit

import "time"

// Attribution narrows the timeline to human-attributed or system rows.
type Attribution string

const (
	AttributionAny    Attribution = ""
	AttributionHuman  Attribution = "human"
	AttributionSystem Attribution = "system"
)

// TimelineFilters menampung filter audit timeline. From and To are whole
// days; To is inclusive.
type TimelineFilters struct {
	From        time.Time
	To          time.Time
	Actor       string
	Entity      string
	Action      string
	RequestID   string
	Attribution Attribution
	Page        int
	PageSize    int
}

// TimelineRow is one audit_logs row as shown to auditors.
type TimelineRow struct {
	At        time.Time      `json:"at"`
	ActorID   int64          `json:"actorId,omitempty"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entityId"`
	IP        string         `json:"ip,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Attributed reports whether the row names a human actor.
func (r TimelineRow) Attributed() bool {
	return r.ActorID > 0
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	HasNext  bool `json:"hasNext"`
	PrevPage int  `json:"prevPage,omitempty"`
	NextPage int  `json:"nextPage,omitempty"`
}

// Result is one timeline page.
type Result struct {
	Rows   []TimelineRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}
