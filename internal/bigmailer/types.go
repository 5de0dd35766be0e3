package bigmailer

// FieldValue is one custom-field assignment on an upsert. The API has
// typed value slots; this system only writes string fields.
type FieldValue struct {
	Name   string `json:"name"`
	String string `json:"string"`
}

// UpsertContactRequest creates or updates a contact by email and
// subscribes it to the given lists.
type UpsertContactRequest struct {
	Email          string       `json:"email"`
	ListIDs        []string     `json:"list_ids"`
	FieldValues    []FieldValue `json:"field_values"`
	UnsubscribeAll bool         `json:"unsubscribe_all"`
}

// Contact is the directory's view of a contact, as returned by upsert.
type Contact struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// List is one mailing list in the brand.
type List struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	NumActiveSubscribers int64  `json:"num_active_subscribers"`
	NumUnsubscribed      int64  `json:"num_unsubscribed"`
}

// listsResponse is the paged envelope list queries come back in.
type listsResponse struct {
	Data    []List `json:"data"`
	HasMore bool   `json:"has_more"`
}

// Brand is the account scope all calls operate in.
type Brand struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
