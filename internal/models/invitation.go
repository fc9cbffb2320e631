package models

import "time"

// Invitation entitles a phone number to join a published session.
type Invitation struct {
	ID         int64     `db:"id" json:"id"`
	SessionID  int64     `db:"session_id" json:"session_id"`
	Phone      string    `db:"phone" json:"phone"`
	InviteCode string    `db:"invite_code" json:"invite_code"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
