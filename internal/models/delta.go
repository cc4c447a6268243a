package models

// DeltaPage is one page of a vendor delta feed.
type DeltaPage struct {
	Items     []ChangeEvent
	NextLink  string
	DeltaLink string
}

// PollResult is the outcome of a complete page walk.
type PollResult struct {
	Items      []ChangeEvent `json:"items"`
	NextCursor string        `json:"nextCursor"`
	Pages      int           `json:"pages"`
}
