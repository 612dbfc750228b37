package models

import "time"

// User is a registered account.
type User struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email,omitempty"`
	Username        string    `json:"username,omitempty"`
	DisplayUsername string    `json:"displayUsername,omitempty"`
	Image           string    `json:"image,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// UserProfile is the public author snapshot attached to messages.
type UserProfile struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	DisplayUsername string `json:"displayUsername"`
	Image           string `json:"image"`
}

// Profile returns the public snapshot of the user.
func (u *User) Profile() *UserProfile {
	if u == nil {
		return nil
	}
	username := u.Username
	if username == "" {
		username = u.Name
	}
	display := u.DisplayUsername
	if display == "" {
		display = username
	}
	return &UserProfile{
		ID:              u.ID,
		Username:        username,
		DisplayUsername: display,
		Image:           u.Image,
	}
}

// Presence records that a user is currently viewing a channel.
type Presence struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}
