package sessionkit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// Servers name the same field differently across endpoints and versions; each list
// lists the accepted keys in priority order.
var (
	accessTokenKeys  = []string{"accessToken", "access_token", "token"}
	refreshTokenKeys = []string{"refreshToken", "refresh_token"}
	roleKeys         = []string{"role", "ROLE"}
	messageKeys      = []string{"message", "detail", "msg"}
	errorCodeKeys    = []string{"error", "err", "code"}
	okKeys           = []string{"ok", "success"}
	retryAfterKeys   = []string{"retry_after_seconds", "retryAfterSeconds", "retry_after"}
	otpSentKeys      = []string{"otp_sent", "otpSent"}
	userIDKeys       = []string{"id", "user_id", "userId"}
	usernameKeys     = []string{"username", "email"}
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
	Name     string `json:"name"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type verifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type resetPasswordRequest struct {
	Email       string `json:"email"`
	OTP         string `json:"otp"`
	NewPassword string `json:"new_password"`
}

// aliasObject is a decoded JSON object queried by alias lists.
type aliasObject map[string]json.RawMessage

func decodeAliasObject(body []byte) (aliasObject, error) {
	object := aliasObject{}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return object, nil
	}
	if err := json.Unmarshal(trimmed, &object); err != nil {
		return nil, fmt.Errorf("session.response.decode: %w", err)
	}
	return object, nil
}

func (object aliasObject) raw(keys []string) (json.RawMessage, bool) {
	for _, key := range keys {
		value, ok := object[key]
		if !ok || string(value) == "null" {
			continue
		}
		return value, true
	}
	return nil, false
}

func (object aliasObject) stringValue(keys []string) string {
	value, ok := object.raw(keys)
	if !ok {
		return ""
	}
	var text string
	if err := json.Unmarshal(value, &text); err == nil {
		return strings.TrimSpace(text)
	}
	var number json.Number
	if err := json.Unmarshal(value, &number); err == nil {
		return number.String()
	}
	return ""
}

func (object aliasObject) intValue(keys []string) (int, bool) {
	value, ok := object.raw(keys)
	if !ok {
		return 0, false
	}
	var number json.Number
	if err := json.Unmarshal(value, &number); err == nil {
		if parsed, parseErr := number.Int64(); parseErr == nil {
			return int(parsed), true
		}
	}
	var text string
	if err := json.Unmarshal(value, &text); err == nil {
		if parsed, parseErr := strconv.Atoi(strings.TrimSpace(text)); parseErr == nil {
			return parsed, true
		}
	}
	return 0, false
}

func (object aliasObject) boolValue(keys []string) bool {
	value, ok := object.raw(keys)
	if !ok {
		return false
	}
	var flag bool
	if err := json.Unmarshal(value, &flag); err == nil {
		return flag
	}
	return false
}

func (object aliasObject) nested(key string) aliasObject {
	value, ok := object[key]
	if !ok {
		return aliasObject{}
	}
	nested := aliasObject{}
	if err := json.Unmarshal(value, &nested); err != nil {
		return aliasObject{}
	}
	return nested
}

// tokenResponse is the common shape of login, verify-otp and refresh responses.
type tokenResponse struct {
	AccessToken  string
	RefreshToken string
	Role         string
	Message      string
	ErrorCode    string
}

func parseTokenResponse(body []byte) (tokenResponse, error) {
	object, err := decodeAliasObject(body)
	if err != nil {
		return tokenResponse{}, err
	}
	return tokenResponse{
		AccessToken:  object.stringValue(accessTokenKeys),
		RefreshToken: object.stringValue(refreshTokenKeys),
		Role:         object.stringValue(roleKeys),
		Message:      object.stringValue(messageKeys),
		ErrorCode:    object.stringValue(errorCodeKeys),
	}, nil
}

// RegisterResult is the server's answer to a registration request.
type RegisterResult struct {
	OK       bool
	OTPSent  bool
	UserID   string
	Username string
	Role     string
}

func parseRegisterResponse(body []byte) (RegisterResult, error) {
	object, err := decodeAliasObject(body)
	if err != nil {
		return RegisterResult{}, err
	}
	user := object.nested("user")
	return RegisterResult{
		OK:       object.boolValue(okKeys),
		OTPSent:  object.boolValue(otpSentKeys),
		UserID:   user.stringValue(userIDKeys),
		Username: user.stringValue(usernameKeys),
		Role:     user.stringValue(roleKeys),
	}, nil
}

func readBody(response *http.Response) ([]byte, error) {
	defer func() { _ = response.Body.Close() }()
	return io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// responseError maps a non-success response onto the error taxonomy.
func responseError(response *http.Response, body []byte) error {
	object, decodeErr := decodeAliasObject(body)
	if decodeErr != nil {
		object = aliasObject{}
	}
	message := object.stringValue(messageKeys)
	if response.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if seconds, ok := object.intValue(retryAfterKeys); ok {
			retryAfter = time.Duration(seconds) * time.Second
		} else if header := strings.TrimSpace(response.Header.Get("Retry-After")); header != "" {
			if seconds, parseErr := strconv.Atoi(header); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: retryAfter, Message: message}
	}
	return &APIError{
		StatusCode: response.StatusCode,
		Code:       object.stringValue(errorCodeKeys),
		Message:    message,
	}
}
