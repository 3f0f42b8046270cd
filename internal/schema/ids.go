package schema

import (
	"strings"

	"github.com/google/uuid"
)

// NewStudentID returns a fresh student id such as STU_3F2A9C0B11D4.
func NewStudentID() string {
	return "STU_" + shortID()
}

// NewPaymentID returns a fresh payment id such as PAY_3F2A9C0B11D4.
func NewPaymentID() string {
	return "PAY_" + shortID()
}

// NewUserID returns a fresh user id.
func NewUserID() string {
	return uuid.NewString()
}

func shortID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}
