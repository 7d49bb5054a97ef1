package pages

import "e2eheal/internal/browser"

// App groups every page object over one browser page.
type App struct {
	page      browser.Page
	Login     *LoginPage
	Dashboard *DashboardPage
}

// NewApp builds the page objects for page.
func NewApp(page browser.Page, baseURL string) *App {
	return &App{
		page:      page,
		Login:     NewLoginPage(page, baseURL),
		Dashboard: NewDashboardPage(page, baseURL),
	}
}

// PageHandle implements browser.Handle.
func (a *App) PageHandle() browser.Page { return a.page }
