package authapi

import (
	"time"

	"craft/cmd/identity"
)

type registerRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	// Native clients (no cookie jar) ask for the refresh token in the body.
	Client string `json:"client"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type forceLogoutRequest struct {
	Subject string `json:"subject"`
	Message string `json:"message"`
}

type rolesUpdateRequest struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles"`
}

type userResponse struct {
	ID          string    `json:"id"`
	Username    string    `json:"username,omitempty"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Roles       []string  `json:"roles"`
	Disabled    bool      `json:"disabled,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type sessionResponse struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	CSRFToken        string    `json:"csrf_token,omitempty"`
}

type loginResponse struct {
	User    userResponse    `json:"user"`
	Session sessionResponse `json:"session"`
}

type refreshResponse struct {
	Session sessionResponse `json:"session"`
}

type meResponse struct {
	User userResponse `json:"user"`
}

type forceLogoutResponse struct {
	SessionsClosed int `json:"sessions_closed"`
}

type rolesUpdateResponse struct {
	User             userResponse `json:"user"`
	SessionsNotified int          `json:"sessions_notified"`
}

func toUserResponse(p identity.Profile) userResponse {
	return userResponse{
		ID:          p.ID,
		Username:    p.Username,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Roles:       p.RoleList(),
		Disabled:    p.Disabled,
		CreatedAt:   p.CreatedAt,
	}
}
