package models

import "time"

// TokenPayload is the verified content of an admin token
type TokenPayload struct {
	Subject   string
	Role      string
	ExpiresAt time.Time
}
