//go:build e2e

package e2e

import (
	"time"

	"e2eheal/internal/browser"
	"e2eheal/internal/pages"
	"e2eheal/internal/perf"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Performance", retries, Label("perf"), func() {
	var (
		app  *pages.App
		page browser.Page
	)

	BeforeEach(func(ctx SpecContext) {
		if !cfg.Perf.Enabled {
			Skip("performance monitoring is disabled")
		}
		var err error
		page, err = h.NewPage(ctx)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(h.ClosePages)
		app = pages.NewApp(page, cfg.BaseURL)
	})

	It("loads the login page within budget", func(ctx SpecContext) {
		Expect(h.Observe(app.Login.Load(ctx))).To(Succeed())

		ip, ok := page.(*perf.InstrumentedPage)
		Expect(ok).To(BeTrue())
		m, ok := ip.LastMetrics()
		Expect(ok).To(BeTrue())
		GinkgoWriter.Println(perf.Summary(m))

		Expect(m.PageLoadTime).ToNot(BeNil())
		Expect(*m.PageLoadTime).To(BeNumerically("<", 10000))
		if m.LargestContentfulPaint != nil {
			Expect(*m.LargestContentfulPaint).To(BeNumerically("<", 4000))
		}
	}, SpecTimeout(time.Minute))

	It("measures the dashboard after a client-side route change", func(ctx SpecContext) {
		requireCredentials()
		Expect(h.Observe(app.Login.Load(ctx))).To(Succeed())
		Expect(h.Observe(app.Login.Login(ctx, cfg.Credentials.Email, cfg.Credentials.Password))).To(Succeed())
		Expect(h.Observe(app.Dashboard.WaitLoaded(ctx, 30*time.Second))).To(Succeed())

		mon, ok := h.Perf.(*perf.Monitor)
		Expect(ok).To(BeTrue())
		m, changed, err := mon.MeasureAfterRouteChange(ctx, page, app.Dashboard.ClickUserAvatar, "user menu", 5*time.Second)
		Expect(h.Observe(err)).ToNot(HaveOccurred())
		GinkgoWriter.Printf("route changed: %v\n%s\n", changed, perf.Summary(m))
		Expect(m.URL).ToNot(BeEmpty())
		Expect(m.JSHeapUsedSize).ToNot(BeNil())
	}, SpecTimeout(2*time.Minute))
})
