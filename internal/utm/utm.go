// Package utm holds the five standard marketing attribution tags.
package utm

import "net/url"

// Query parameter names.
const (
	ParamSource   = "utm_source"
	ParamMedium   = "utm_medium"
	ParamCampaign = "utm_campaign"
	ParamContent  = "utm_content"
	ParamTerm     = "utm_term"
)

// Params are the UTM tags of a link or install. Empty fields were not present.
type Params struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
	Content  string `json:"content,omitempty"`
	Term     string `json:"term,omitempty"`
}

// FromValues extracts UTM tags from decoded query values.
func FromValues(q url.Values) Params {
	return Params{
		Source:   q.Get(ParamSource),
		Medium:   q.Get(ParamMedium),
		Campaign: q.Get(ParamCampaign),
		Content:  q.Get(ParamContent),
		Term:     q.Get(ParamTerm),
	}
}

// FromMap extracts UTM tags from a flat string map keyed by query parameter name.
func FromMap(m map[string]string) Params {
	return Params{
		Source:   m[ParamSource],
		Medium:   m[ParamMedium],
		Campaign: m[ParamCampaign],
		Content:  m[ParamContent],
		Term:     m[ParamTerm],
	}
}

// IsZero reports whether no tag is set.
func (p Params) IsZero() bool {
	return p == Params{}
}

// Merge returns p with empty fields filled from other.
func (p Params) Merge(other Params) Params {
	if p.Source == "" {
		p.Source = other.Source
	}
	if p.Medium == "" {
		p.Medium = other.Medium
	}
	if p.Campaign == "" {
		p.Campaign = other.Campaign
	}
	if p.Content == "" {
		p.Content = other.Content
	}
	if p.Term == "" {
		p.Term = other.Term
	}
	return p
}

// Map returns the set tags keyed by their short names (source, medium, ...),
// the shape attached to analytics events under the "utm" property.
func (p Params) Map() map[string]any {
	m := make(map[string]any, 5)
	if p.Source != "" {
		m["source"] = p.Source
	}
	if p.Medium != "" {
		m["medium"] = p.Medium
	}
	if p.Campaign != "" {
		m["campaign"] = p.Campaign
	}
	if p.Content != "" {
		m["content"] = p.Content
	}
	if p.Term != "" {
		m["term"] = p.Term
	}
	return m
}
