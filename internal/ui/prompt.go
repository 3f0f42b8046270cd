package ui

import (
	"errors"
	"strings"

	"github.com/charmbracelet/huh"
)

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New(field + " is required")
		}
		return nil
	}
}

// PromptLogin asks for the email (prefilled with email) and password.
func PromptLogin(email string) (string, string, error) {
	var password string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Email").Value(&email).Validate(required("email")),
		huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&password).Validate(required("password")),
	))
	if err := form.Run(); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(email), password, nil
}

// SignUpAnswers holds the sign-up form.
type SignUpAnswers struct {
	FullName        string
	Email           string
	Password        string
	ConfirmPassword string
}

// PromptSignUp asks for the sign-up fields. Checks beyond presence are
// left to the caller.
func PromptSignUp() (*SignUpAnswers, error) {
	var a SignUpAnswers
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Full name").Value(&a.FullName).Validate(required("full name")),
		huh.NewInput().Title("Email").Value(&a.Email).Validate(required("email")),
		huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&a.Password).Validate(required("password")),
		huh.NewInput().Title("Confirm password").EchoMode(huh.EchoModePassword).Value(&a.ConfirmPassword),
	))
	if err := form.Run(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Confirm asks a yes/no question.
func Confirm(title string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().Title(title).Affirmative("Yes").Negative("No").Value(&ok).Run()
	return ok, err
}
