//go:build e2e

package e2e

import (
	"time"

	"e2eheal/internal/pages"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Login", retries, Label("auth"), func() {
	var app *pages.App

	BeforeEach(func(ctx SpecContext) {
		var err error
		app, err = h.NewApp(ctx)
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(h.ClosePages)

		Expect(h.Observe(app.Login.Load(ctx))).To(Succeed())
	})

	It("signs in with valid credentials", func(ctx SpecContext) {
		requireCredentials()

		Expect(h.Observe(app.Login.Login(ctx, cfg.Credentials.Email, cfg.Credentials.Password))).To(Succeed())
		Expect(h.Observe(app.Dashboard.WaitLoaded(ctx, 30*time.Second))).To(Succeed())

		Expect(h.Observe(app.Dashboard.ClickUserAvatar(ctx))).To(Succeed())
		profile, err := app.Dashboard.Profile(ctx)
		Expect(h.Observe(err)).ToNot(HaveOccurred())
		Expect(profile.Email).To(Equal(cfg.Credentials.Email))
		Expect(profile.Initials).ToNot(BeEmpty())
	}, SpecTimeout(2*time.Minute))

	It("rejects a wrong password", func(ctx SpecContext) {
		requireCredentials()

		Expect(h.Observe(app.Login.Login(ctx, cfg.Credentials.Email, "definitely-wrong"))).To(Succeed())
		Eventually(app.Login.CredentialsError).WithContext(ctx).
			WithTimeout(15 * time.Second).Should(Equal(pages.MsgCredentialsIncorrect))
	}, SpecTimeout(time.Minute))

	It("asks for a password when it is left empty", func(ctx SpecContext) {
		requireCredentials()

		Expect(h.Observe(app.Login.EnterEmail(ctx, cfg.Credentials.Email))).To(Succeed())
		Expect(h.Observe(app.Login.ClickContinue(ctx))).To(Succeed())
		Expect(h.Observe(app.Login.ClickContinue(ctx))).To(Succeed())
		Eventually(app.Login.PasswordRequiredError).WithContext(ctx).
			WithTimeout(15 * time.Second).Should(Equal(pages.MsgPasswordRequired))
	}, SpecTimeout(time.Minute))

	It("asks for an email when it is left empty", func(ctx SpecContext) {
		Expect(h.Observe(app.Login.ClickContinue(ctx))).To(Succeed())
		Eventually(app.Login.EmailRequiredError).WithContext(ctx).
			WithTimeout(15 * time.Second).Should(Equal(pages.MsgEmailRequired))
	}, SpecTimeout(time.Minute))

	It("rejects a malformed email", func(ctx SpecContext) {
		Expect(h.Observe(app.Login.EnterEmail(ctx, "not-an-email"))).To(Succeed())
		Expect(h.Observe(app.Login.ClickContinue(ctx))).To(Succeed())
		Eventually(app.Login.EmailInvalidError).WithContext(ctx).
			WithTimeout(15 * time.Second).Should(Equal(pages.MsgEmailInvalid))
	}, SpecTimeout(time.Minute))
})
