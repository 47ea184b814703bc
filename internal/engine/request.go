package engine

import (
	"time"

	"github.com/google/uuid"
)

// Request carries the caller-supplied parameters for one automation task.
// It is immutable once admitted.
type Request struct {
	ID       string
	Email    string
	Secret   string
	URL      string
	Deadline time.Time // optional soft deadline; zero means none
	Params   map[string]string
}

// NewRequest assigns a fresh request ID to the given task parameters.
func NewRequest(email, secret, url string) Request {
	return Request{
		ID:     uuid.NewString(),
		Email:  email,
		Secret: secret,
		URL:    url,
	}
}
