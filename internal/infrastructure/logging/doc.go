// Package logging provides structured logging for BotCareU Core.
//
// It wraps log/slog so every component logs key/value records with the
// same default fields (service, version). Components depend on a narrow
// Logger interface of their own and receive a *Logger from main.
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("router").Warn("malformed topic", "topic", topic)
//
// Never log JWTs, SMTP passwords or broker credentials.
package logging
