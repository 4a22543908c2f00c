// Package lenny is the HTTP boundary of the lending backend: the
// authorization and token endpoints, the email passcode login flow, the
// OPDS authentication document, and the borrow/return endpoints.
package lenny

// AuthDocumentMediaType is the content type of the OPDS authentication
// document.
const AuthDocumentMediaType = "application/opds-authentication+json"

// AuthLink is a link inside the authentication document.
type AuthLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

// AuthFlow describes one supported authentication flow.
type AuthFlow struct {
	Type  string     `json:"type"`
	Links []AuthLink `json:"links"`
}

// AuthenticationDocument is the OPDS authentication document served to
// reading clients so they can discover the login endpoints.
type AuthenticationDocument struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Authentication []AuthFlow `json:"authentication"`
	Links          []AuthLink `json:"links,omitempty"`
}

// LoanResponse is the JSON body returned by the borrow and return
// endpoints.
type LoanResponse struct {
	ItemID          int64  `json:"item_id"`
	LoanRequired    bool   `json:"loan_required"`
	LoanID          string `json:"loan_id,omitempty"`
	AvailableCopies int64  `json:"available_copies"`
	Returned        bool   `json:"returned,omitempty"`
}
