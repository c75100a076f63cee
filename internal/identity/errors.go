package identity

import (
	"errors"
	"fmt"

	"github.com/roach88/itemsync/internal/model"
)

// ErrorCode categorizes resolver errors.
type ErrorCode string

const (
	// CodeInvalidToken means the token failed normalization or validation.
	CodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// CodeDanglingBinding means the token is bound to a missing or deleted entity.
	CodeDanglingBinding ErrorCode = "DANGLING_BINDING"
)

// Error is returned for tokens the resolver refuses.
type Error struct {
	Code     ErrorCode
	Token    string
	EntityID model.EntityID
	Message  string
}

func (e *Error) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("[%s] token %q -> %s: %s", e.Code, e.Token, e.EntityID, e.Message)
	}
	return fmt.Sprintf("[%s] token %q: %s", e.Code, e.Token, e.Message)
}

func invalidToken(token, format string, args ...any) *Error {
	return &Error{
		Code:    CodeInvalidToken,
		Token:   token,
		Message: fmt.Sprintf(format, args...),
	}
}

// IsInvalidToken reports whether err is an InvalidToken error.
func IsInvalidToken(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeInvalidToken
}

// IsDanglingBinding reports whether err is a DanglingBinding error.
func IsDanglingBinding(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeDanglingBinding
}
