package domain

// LoginRequest is the JSON body sent to the marketplace API to sign in.
type LoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

// UserResponse is the user record embedded in auth responses.
type UserResponse struct {
	ID   string `json:"_id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
}

// LoginResponse is the JSON body returned on successful sign-in.
type LoginResponse struct {
	User        UserResponse `json:"user"`
	AccessToken string       `json:"accessToken"`
}

// TripResponse is the subset of a trip record the tracker needs to decide
// whether a persisted active trip is still live.
type TripResponse struct {
	ID       string `json:"_id"`
	Status   string `json:"status"`
	DriverID string `json:"driver_id,omitempty"`
}

// Live reports whether the trip is still in progress.
func (t TripResponse) Live() bool {
	switch t.Status {
	case "completed", "cancelled", "canceled":
		return false
	}
	return t.Status != ""
}

// ErrorResponse is the JSON body returned by the server for structured errors.
type ErrorResponse struct {
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}
