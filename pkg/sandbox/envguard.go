package sandbox

import "strings"

// Substrings that mark a credential-bearing variable name.
var blockedSubstrings = []string{"SECRET", "PASSWORD", "PRIVATE_KEY"}

// Known credential variable names refused outright. Matching is
// case-insensitive on the full name.
var blockedNames = map[string]bool{
	"API_KEY":                        true,
	"OPENAI_API_KEY":                 true,
	"ANTHROPIC_API_KEY":              true,
	"AWS_ACCESS_KEY_ID":              true,
	"AWS_SECRET_ACCESS_KEY":          true,
	"AWS_SESSION_TOKEN":              true,
	"GOOGLE_APPLICATION_CREDENTIALS": true,
	"GCP_SERVICE_ACCOUNT_KEY":        true,
	"AZURE_CLIENT_SECRET":            true,
	"GITHUB_TOKEN":                   true,
	"GITLAB_TOKEN":                   true,
	"SLACK_BOT_TOKEN":                true,
	"SLACK_WEBHOOK_URL":              true,
	"TWILIO_AUTH_TOKEN":              true,
	"STRIPE_API_KEY":                 true,
	"STRIPE_SECRET_KEY":              true,
	"PAYPAL_CLIENT_SECRET":           true,
	"SENDGRID_API_KEY":               true,
	"DATABASE_URL":                   true,
	"REDIS_URL":                      true,
	"OAUTH_CLIENT_SECRET":            true,
	"OAUTH_REFRESH_TOKEN":            true,
	"SSH_AUTH_SOCK":                  true,
	"NPM_TOKEN":                      true,
	"DOCKER_PASSWORD":                true,
}

// BlockedEnvVar reports whether an environment variable name may never be
// passed into a sandbox. Applies unconditionally, in every environment.
func BlockedEnvVar(name string) bool {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if blockedNames[upper] {
		return true
	}
	for _, sub := range blockedSubstrings {
		if strings.Contains(upper, sub) {
			return true
		}
	}
	// API_KEY variants: FOO_API_KEY, API_KEY_FOO, ...
	return strings.Contains(upper, "API_KEY")
}
