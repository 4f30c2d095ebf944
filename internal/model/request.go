package model

import "time"

// ExtractionRequest identifies one company extraction. Immutable; one is
// created per pipeline invocation.
type ExtractionRequest struct {
	CompanyID     string `json:"company_id"`
	CompanyName   string `json:"company_name,omitempty"`
	SourceURL     string `json:"source_url"`
	SchemaVersion string `json:"schema_version"`
	SessionID     string `json:"session_id,omitempty"` // correlates traces across a batch
}

// RawContent is the fetched page content. It lives only for the duration of
// one request and is discarded after prompt construction.
type RawContent struct {
	Text      string    `json:"text"`
	Title     string    `json:"title,omitempty"`
	SourceURL string    `json:"source_url"`
	FetchedAt time.Time `json:"fetched_at"`
	Tokens    int       `json:"tokens,omitempty"` // reader-reported token count, if any
}
