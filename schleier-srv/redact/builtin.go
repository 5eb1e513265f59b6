package redact

import "regexp"

// builtinRules is the default secret catalog, applied in order: key blocks
// first, service-specific prefixes next, generic auth material, then PII.
// Replacement tokens are fixed strings that no rule can match again.
//
// URL_CREDS must run before EMAIL so the userinfo part of a credentialed
// URL is not consumed as an address. Operators who find the PII group too
// broad can disable builtins and declare their own catalog.
var builtinRules = []Rule{
	{"PRIVKEY", regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----[^-]*-----END [A-Z ]*PRIVATE KEY-----`), "[REDACTED:PRIVKEY]"},

	{"ANTHROPIC", regexp.MustCompile(`(?i)\bsk-ant-[A-Za-z0-9_-]{24,}\b`), "[REDACTED:ANTHROPIC]"},
	{"GITHUB", regexp.MustCompile(`(?i)\bgh[pousr]_[A-Za-z0-9_]{36,}\b`), "[REDACTED:GITHUB]"},
	{"GITLAB", regexp.MustCompile(`(?i)\bglpat-[A-Za-z0-9_-]{20,}\b`), "[REDACTED:GITLAB]"},
	{"STRIPE", regexp.MustCompile(`(?i)\bsk_(?:live|test)_[A-Za-z0-9]{24,}\b`), "[REDACTED:STRIPE]"},
	{"OPENAI", regexp.MustCompile(`(?i)\bsk-[A-Za-z0-9]{48,}\b`), "[REDACTED:OPENAI]"},
	{"SLACK", regexp.MustCompile(`(?i)\bxox[baprs]-[A-Za-z0-9-]{10,}\b`), "[REDACTED:SLACK]"},
	{"NPM", regexp.MustCompile(`(?i)\bnpm_[A-Za-z0-9]{36}\b`), "[REDACTED:NPM]"},
	{"GCP_API", regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`), "[REDACTED:GCP_API]"},
	{"SENDGRID", regexp.MustCompile(`\bSG\.[A-Za-z0-9_-]{20,}\.[A-Za-z0-9_-]{40,}\b`), "[REDACTED:SENDGRID]"},

	{"AWS_KEY", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "[REDACTED:AWS_KEY]"},
	{"AWS_SECRET", regexp.MustCompile(`(?i)(?:aws_secret_access_key|secret_access_key)["'\s:=]+[A-Za-z0-9/+=]{40}`), "[REDACTED:AWS_SECRET]"},

	{"JWT", regexp.MustCompile(`\bey[A-Za-z0-9_-]{10,}\.ey[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`), "[REDACTED:JWT]"},
	{"BEARER", regexp.MustCompile(`(?i)\bBearer[ \t:]+[A-Za-z0-9_.~+/-]{20,}`), "[REDACTED:BEARER]"},
	{"BASIC_AUTH", regexp.MustCompile(`(?i)\bBasic[ \t]+[A-Za-z0-9+/=]{16,}`), "[REDACTED:BASIC_AUTH]"},

	{"URL_CREDS", regexp.MustCompile(`\b[a-z][a-z0-9+.-]*://[^/:@\s]+:[^/@\s]+@[^/\s]+`), "[REDACTED:URL_CREDS]"},

	{"EMAIL", regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`), "[REDACTED:EMAIL]"},
	{"SSN", regexp.MustCompile(`\b\d{3}[-.\s]?\d{2}[-.\s]?\d{4}\b`), "[REDACTED:SSN]"},
	{"CC", regexp.MustCompile(`\b\d{4}[-\s]\d{4}[-\s]\d{4}[-\s]\d{4}\b`), "[REDACTED:CC]"},
}
