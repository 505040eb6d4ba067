package sqlite

import "github.com/google/uuid"

func newULID() string {
	return uuid.NewString()
}
