package httpserver

import "github.com/al-bashkir/todoctl/internal/logsanitize"

// sanitizeLog strips control characters from request input before it is logged.
func sanitizeLog(s string) string {
	return logsanitize.Sanitize(s)
}
