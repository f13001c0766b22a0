package authapi

import "time"

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	UserID       string `json:"user_id"`
	RefreshToken string `json:"refresh_token"`
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

type tokensResponse struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type loginResponse struct {
	User   userResponse   `json:"user"`
	Tokens tokensResponse `json:"tokens"`
}

type refreshResponse struct {
	Tokens tokensResponse `json:"tokens"`
}

type guestResponse struct {
	AccessToken     string    `json:"access_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	Subject         string    `json:"subject"`
	Role            string    `json:"role"`
}

type principalResponse struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
	Guest   bool   `json:"guest"`
}

type meResponse struct {
	Principal principalResponse `json:"principal"`
	User      *userResponse     `json:"user,omitempty"`
}
