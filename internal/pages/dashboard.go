package pages

import (
	"context"
	"fmt"
	"time"

	"e2eheal/internal/browser"
)

// DashboardSelectors locates the signed-in user menu.
type DashboardSelectors struct {
	Avatar   string
	Initials string
	Name     string
	Email    string
	Menu     string
	Logout   string
}

// DefaultDashboardSelectors returns the stock selectors.
func DefaultDashboardSelectors() DashboardSelectors {
	return DashboardSelectors{
		Avatar:   `div.hui-globaluseritem__avatar`,
		Initials: `h5.uni-avatar__initials--user`,
		Name:     `div.hui-globaluseritem__display-name > span`,
		Email:    `div.hui-globaluseritem__email`,
		Menu:     `div.hui-globalusermenu`,
		Logout:   `[data-qa-id="webnav-usermenu-logout"]`,
	}
}

// UserProfile is what the user menu shows about the signed-in user.
type UserProfile struct {
	Initials string
	Name     string
	Email    string
}

// DashboardPage is the landing page after login.
type DashboardPage struct {
	BasePage
	Path string
	Sel  DashboardSelectors
}

// NewDashboardPage creates the dashboard page object.
func NewDashboardPage(page browser.Page, baseURL string) *DashboardPage {
	return &DashboardPage{
		BasePage: NewBasePage(page, baseURL),
		Path:     "/home",
		Sel:      DefaultDashboardSelectors(),
	}
}

// Load opens the dashboard.
func (p *DashboardPage) Load(ctx context.Context) error {
	return p.Goto(ctx, p.Path)
}

// WaitLoaded waits until the user avatar is rendered.
func (p *DashboardPage) WaitLoaded(ctx context.Context, timeout time.Duration) error {
	js := `(sel) => !!document.querySelector(sel)`
	if err := p.page.WaitForFunction(ctx, js, timeout, p.Sel.Avatar); err != nil {
		return fmt.Errorf("dashboard did not load: %w", err)
	}
	return nil
}

func (p *DashboardPage) ClickUserAvatar(ctx context.Context) error {
	return p.page.Click(ctx, p.Sel.Avatar)
}

func (p *DashboardPage) ClickLogout(ctx context.Context) error {
	return p.page.Click(ctx, p.Sel.Logout)
}

// Profile reads initials, name and email from the user menu.
func (p *DashboardPage) Profile(ctx context.Context) (UserProfile, error) {
	var up UserProfile
	var err error
	if up.Initials, err = p.page.Text(ctx, p.Sel.Initials); err != nil {
		return up, fmt.Errorf("read initials: %w", err)
	}
	if up.Name, err = p.page.Text(ctx, p.Sel.Name); err != nil {
		return up, fmt.Errorf("read name: %w", err)
	}
	if up.Email, err = p.page.Text(ctx, p.Sel.Email); err != nil {
		return up, fmt.Errorf("read email: %w", err)
	}
	return up, nil
}
