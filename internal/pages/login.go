package pages

import (
	"context"
	"fmt"

	"e2eheal/internal/browser"
)

// LoginSelectors locates the login form. The defaults match a two-step
// hosted login: email, continue, then password.
type LoginSelectors struct {
	Email            string
	Password         string
	Continue         string
	CredentialsError string
	PasswordRequired string
	EmailRequired    string
	EmailInvalid     string
	BlockedAlert     string
}

// DefaultLoginSelectors returns the stock selectors.
func DefaultLoginSelectors() LoginSelectors {
	return LoginSelectors{
		Email:            `input#username`,
		Password:         `input#password`,
		Continue:         `button[type="submit"][name="action"]`,
		CredentialsError: `#error-element-password`,
		PasswordRequired: `#error-cs-password-required`,
		EmailRequired:    `#error-cs-email-required`,
		EmailInvalid:     `#error-cs-email-invalid`,
		BlockedAlert:     `#prompt-alert[data-error-code="user-blocked"] p`,
	}
}

// Messages shown by the login form.
const (
	MsgCredentialsIncorrect = "Incorrect username or password."
	MsgPasswordRequired     = "Enter your password."
	MsgEmailRequired        = "Enter an email address"
	MsgEmailInvalid         = "Enter a valid email."
)

// LoginPage is the login form.
type LoginPage struct {
	BasePage
	Path string
	Sel  LoginSelectors
}

// NewLoginPage creates the login page object.
func NewLoginPage(page browser.Page, baseURL string) *LoginPage {
	return &LoginPage{
		BasePage: NewBasePage(page, baseURL),
		Path:     "/login",
		Sel:      DefaultLoginSelectors(),
	}
}

// Load opens the login page.
func (p *LoginPage) Load(ctx context.Context) error {
	return p.Goto(ctx, p.Path)
}

func (p *LoginPage) EnterEmail(ctx context.Context, email string) error {
	return p.page.Fill(ctx, p.Sel.Email, email)
}

func (p *LoginPage) EnterPassword(ctx context.Context, password string) error {
	return p.page.Fill(ctx, p.Sel.Password, password)
}

func (p *LoginPage) ClickContinue(ctx context.Context) error {
	return p.page.Click(ctx, p.Sel.Continue)
}

// FillCredentials enters both steps without the final submit.
func (p *LoginPage) FillCredentials(ctx context.Context, email, password string) error {
	if err := p.EnterEmail(ctx, email); err != nil {
		return fmt.Errorf("enter email: %w", err)
	}
	if err := p.ClickContinue(ctx); err != nil {
		return fmt.Errorf("continue to password: %w", err)
	}
	if err := p.EnterPassword(ctx, password); err != nil {
		return fmt.Errorf("enter password: %w", err)
	}
	return nil
}

// Login fills both steps and submits.
func (p *LoginPage) Login(ctx context.Context, email, password string) error {
	if err := p.FillCredentials(ctx, email, password); err != nil {
		return err
	}
	if err := p.ClickContinue(ctx); err != nil {
		return fmt.Errorf("submit login: %w", err)
	}
	return nil
}

// CredentialsError returns the wrong-credentials message, or "".
func (p *LoginPage) CredentialsError(ctx context.Context) (string, error) {
	return p.visibleText(ctx, p.Sel.CredentialsError)
}

// PasswordRequiredError returns the missing-password message, or "".
func (p *LoginPage) PasswordRequiredError(ctx context.Context) (string, error) {
	return p.visibleText(ctx, p.Sel.PasswordRequired)
}

// EmailRequiredError returns the missing-email message, or "".
func (p *LoginPage) EmailRequiredError(ctx context.Context) (string, error) {
	return p.visibleText(ctx, p.Sel.EmailRequired)
}

// EmailInvalidError returns the malformed-email message, or "".
func (p *LoginPage) EmailInvalidError(ctx context.Context) (string, error) {
	return p.visibleText(ctx, p.Sel.EmailInvalid)
}

// IsAccountBlocked reports whether the too-many-attempts alert is shown.
func (p *LoginPage) IsAccountBlocked(ctx context.Context) (bool, error) {
	return p.page.Visible(ctx, p.Sel.BlockedAlert)
}

// BlockedMessage returns the blocked-account text, or "".
func (p *LoginPage) BlockedMessage(ctx context.Context) (string, error) {
	return p.visibleText(ctx, p.Sel.BlockedAlert)
}
