package service

import "github.com/google/uuid"

// newClientID and newToken mint unguessable identifiers from random v4
// UUIDs (122 bits of randomness each). A client ID is one UUID; a token
// joins two independent UUIDs, 244 random bits in all.
func newClientID() string {
	return uuid.NewString()
}

func newToken() string {
	return uuid.NewString() + uuid.NewString()
}
