package uid

import "github.com/google/uuid"

// UUID generates time-ordered UUIDv7 strings.
type UUID struct{}

func NewUUID() *UUID {
	return &UUID{}
}

// Generate returns a UUIDv7, or a random v4 if the v7 clock source fails.
func (u *UUID) Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
