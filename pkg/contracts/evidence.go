package contracts

import "time"

// Evidence is one observed action offered in support of a commitment.
// Once appended to a commitment it is never mutated.
type Evidence struct {
	EvidenceID          string     `json:"evidence_id"`
	Platform            string     `json:"platform"`
	Timestamp           time.Time  `json:"timestamp"`
	ActionType          string     `json:"action_type"`
	ActionURL           string     `json:"action_url,omitempty"`
	EventID             string     `json:"event_id,omitempty"`
	Signature           string     `json:"signature,omitempty"`
	ContentHash         string     `json:"content_hash"`
	ContentLength       int        `json:"content_length"`
	ContentTags         []string   `json:"content_tags,omitempty"`
	ContentText         string     `json:"content_text,omitempty"`
	VerificationMethod  string     `json:"verification_method"`
	ResponseTimeMinutes *float64   `json:"response_time_minutes,omitempty"`
	SatisfactionRating  *float64   `json:"satisfaction_rating,omitempty"`
	Format              string     `json:"format,omitempty"`
	AccuracyVerified    bool       `json:"accuracy_verified,omitempty"`
	MilestoneID         string     `json:"milestone_id,omitempty"`
	QualityScore        *float64   `json:"quality_score,omitempty"`
	VerifierNotes       string     `json:"verifier_notes,omitempty"`
	ReceivedAt          *time.Time `json:"received_at,omitempty"`
}

// Fields returns the set (non-empty) fields keyed by their JSON names.
// Unset fields are absent so required-field checks and content policies
// can test presence.
func (e *Evidence) Fields() map[string]any {
	f := make(map[string]any)
	setString := func(k, v string) {
		if v != "" {
			f[k] = v
		}
	}
	setString("evidence_id", e.EvidenceID)
	setString("platform", e.Platform)
	if !e.Timestamp.IsZero() {
		f["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	setString("action_type", e.ActionType)
	setString("action_url", e.ActionURL)
	setString("event_id", e.EventID)
	setString("signature", e.Signature)
	setString("content_hash", e.ContentHash)
	if e.ContentLength > 0 {
		f["content_length"] = int64(e.ContentLength)
	}
	if len(e.ContentTags) > 0 {
		tags := make([]any, len(e.ContentTags))
		for i, t := range e.ContentTags {
			tags[i] = t
		}
		f["content_tags"] = tags
	}
	setString("content_text", e.ContentText)
	setString("verification_method", e.VerificationMethod)
	if e.ResponseTimeMinutes != nil {
		f["response_time_minutes"] = *e.ResponseTimeMinutes
	}
	if e.SatisfactionRating != nil {
		f["satisfaction_rating"] = *e.SatisfactionRating
	}
	setString("format", e.Format)
	if e.AccuracyVerified {
		f["accuracy_verified"] = true
	}
	setString("milestone_id", e.MilestoneID)
	if e.QualityScore != nil {
		f["quality_score"] = *e.QualityScore
	}
	setString("verifier_notes", e.VerifierNotes)
	return f
}

// DedupKey identifies an evidence item across polls: the action URL for
// web platforms, the event ID for relay platforms.
func (e *Evidence) DedupKey() string {
	if e.ActionURL != "" {
		return "url:" + e.ActionURL
	}
	if e.EventID != "" {
		return "event:" + e.EventID
	}
	return ""
}
