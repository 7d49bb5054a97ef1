package config

// BrowserConfig configures the driven browser.
type BrowserConfig struct {
	Name           string   `yaml:"name"` // chromium, chrome, edge
	Bin            string   `yaml:"bin"`  // explicit executable; empty lets the launcher resolve one
	DebuggerURL    string   `yaml:"debugger_url"`
	Headless       bool     `yaml:"headless"`
	SlowMo         string   `yaml:"slow_mo"`
	Timeout        string   `yaml:"timeout"`
	ViewportWidth  int      `yaml:"viewport_width"`
	ViewportHeight int      `yaml:"viewport_height"`
	LaunchFlags    []string `yaml:"launch_flags"`
}

// GetViewportWidth returns viewport width.
func (c BrowserConfig) GetViewportWidth() int {
	if c.ViewportWidth == 0 {
		return 1920
	}
	return c.ViewportWidth
}

// GetViewportHeight returns viewport height.
func (c BrowserConfig) GetViewportHeight() int {
	if c.ViewportHeight == 0 {
		return 1080
	}
	return c.ViewportHeight
}
