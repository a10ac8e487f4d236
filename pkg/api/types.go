package api

// TokenPair is the access/refresh credential pair issued by the auth endpoints.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Profile is the subset of the user endpoint payload the client consumes.
type Profile struct {
	ID        int64       `json:"id"`
	Email     string      `json:"email"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
	Role      string      `json:"role"`
	Detail    ProfileInfo `json:"profile"`
}

// ProfileInfo carries the optional nested profile fields.
type ProfileInfo struct {
	ProfileImage string `json:"profile_image"`
}

// RegisterRequest is the payload for account creation.
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role,omitempty"`
}

// Notification is a single record from the notification endpoints and the
// websocket push channel.
type Notification struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Type    string `json:"notification_type"`
	IsRead  bool   `json:"is_read"`
	TimeAgo string `json:"time_ago"`
}
