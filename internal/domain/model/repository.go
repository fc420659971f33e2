package model

import "time"

// Repository represents a GitHub repository whose issues are mirrored and
// classified. Scheduled runs are started for every stored repository.
type Repository struct {
	ID       int64
	FullName string
	Owner    string
	Name     string
	AddedAt  time.Time
}
