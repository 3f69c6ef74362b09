package types

// User represents a user of the system. Each user controls exactly one
// device; multi-device coordination is out of scope.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Admin bool   `json:"-"`
}
