package config

import "slices"

// Redacted returns a copy of c with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func (c *Config) Redacted() Config {
	out := *c // shallow copy of the top-level struct

	redact(&out.Server.APIKey)

	// Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Symbols = slices.Clone(c.Symbols)
	out.Venues = slices.Clone(c.Venues)
	out.Server.CORSOrigins = slices.Clone(c.Server.CORSOrigins)
	out.Algo.VWAPProfile = slices.Clone(c.Algo.VWAPProfile)
	out.Notify.Events = slices.Clone(c.Notify.Events)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
