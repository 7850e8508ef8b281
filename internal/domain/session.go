package domain

import "time"

type Session struct {
	ID        string    `json:"id" db:"id"`
	TripID    string    `json:"trip_id" db:"trip_id"`
	Head      int64     `json:"watermark" db:"head"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
