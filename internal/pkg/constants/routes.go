package constants

// Static route constants
const (
	PublicRoute        = "/"
	WebhookStripeRoute = "/webhooks/stripe"
	WebhookGitHubRoute = "/webhooks/github"
	GitHubSetupRoute   = "/github/setup"
	BountiesRoute      = "/bounties"
)
