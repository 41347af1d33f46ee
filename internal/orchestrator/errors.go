package orchestrator

import (
	"errors"
	"strings"
)

// Rejections. A rejected call changes no state.
var (
	ErrEmptyPrompt          = errors.New("prompt is empty and nothing is attached")
	ErrBusy                 = errors.New("a turn is already in progress")
	ErrNoCredential         = errors.New("no API credential is configured")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNothingToRetry       = errors.New("conversation has no assistant reply to retry")
	ErrNotUserMessage       = errors.New("message is not a user message")
	ErrNoPendingImage       = errors.New("no image request is waiting for options")
)

// ErrorKind classifies a turn failure for display.
type ErrorKind string

const (
	ErrorCredential ErrorKind = "credential"
	ErrorQuota      ErrorKind = "quota"
	ErrorNetwork    ErrorKind = "network"
	ErrorTimeout    ErrorKind = "timeout"
	ErrorUnknown    ErrorKind = "unknown"
)

// Classification is by substring of the raw error text, checked in
// this order. A dial timeout is a network failure, not a timeout.
var errorRules = []struct {
	kind     ErrorKind
	keywords []string
}{
	{ErrorCredential, []string{
		"api key", "api_key", "apikey", "credential", "permission",
		"unauthorized", "unauthenticated", "forbidden", "error 401", "error 403",
	}},
	{ErrorQuota, []string{"429", "resource_exhausted", "quota", "rate limit"}},
	{ErrorNetwork, []string{
		"network", "fetch", "connection", "dial tcp", "no such host",
		"unreachable", "tls handshake",
	}},
	{ErrorTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
}

var friendlyMessages = map[ErrorKind]string{
	ErrorCredential: "The API key was rejected or lacks permission. Check the configured credential and try again.",
	ErrorQuota:      "The usage quota or rate limit was reached. Wait a moment and try again.",
	ErrorNetwork:    "Could not reach the model service. Check your network connection and try again.",
	ErrorTimeout:    "The request took too long and timed out. Please try again.",
	ErrorUnknown:    "Something went wrong while generating a response. Please try again.",
}

// Classify returns the kind of a turn failure.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorUnknown
	}
	text := strings.ToLower(err.Error())
	for _, rule := range errorRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.kind
			}
		}
	}
	return ErrorUnknown
}

// FriendlyError returns the short message shown to the user in place
// of err. The raw error is never shown.
func FriendlyError(err error) string {
	return friendlyMessages[Classify(err)]
}
