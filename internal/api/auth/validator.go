package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// UserValidator asks the identity service whether a user may act
type UserValidator interface {
	ValidateUser(ctx context.Context, userID string) (bool, error)
}

// HTTPUserValidator calls GET {baseURL}/auth/validate-user/{userID}
type HTTPUserValidator struct {
	baseURL string
	http    *http.Client
}

func NewHTTPUserValidator(baseURL string, timeout time.Duration) *HTTPUserValidator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPUserValidator{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type validateUserResponse struct {
	Valid bool `json:"valid"`
}

// ValidateUser returns true only for a 200 response with "valid": true.
// A 404 is a definite "no"; anything else is an error.
func (v *HTTPUserValidator) ValidateUser(ctx context.Context, userID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/auth/validate-user/%s", v.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build validate-user request: %w", err)
	}

	resp, err := v.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to validate user: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("failed to validate user: identity service returned %d", resp.StatusCode)
	}

	var body validateUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("failed to decode validate-user response: %w", err)
	}

	return body.Valid, nil
}
