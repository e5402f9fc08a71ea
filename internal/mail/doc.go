// Package mail delivers one-time codes for account verification and password
// reset. With no SMTP host configured, messages are written to the log.
package mail
