package errors

import (
	"errors"
	"fmt"
	"math"
)

// Reply texts shown to a conversation participant.
const (
	MsgSystemAnomaly      = "System anomaly, please contact an administrator."
	MsgServiceUnavailable = "Service temporarily unavailable."
	MsgInvalidInput       = "Please enter valid content."
	MsgDecodeFallback     = "Sorry, the reply could not be understood. Please try again."
	MsgNotFound           = "Not found."
	MsgConflict           = "A record with that name already exists."
)

// UserMessage maps err to the text a conversation participant sees.
// Persistence and unclassified failures never expose internal detail.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if !errors.As(err, &te) {
		return MsgSystemAnomaly
	}
	switch te.Kind {
	case KindValidation:
		if te.Msg != "" {
			return te.Msg
		}
		return MsgInvalidInput
	case KindTransient:
		return MsgServiceUnavailable
	case KindDecode:
		return MsgDecodeFallback
	case KindRateLimit:
		secs := int(math.Ceil(te.RetryAfter.Seconds()))
		return fmt.Sprintf("Too many requests, please try again in %d seconds.", secs)
	case KindNotFound:
		if te.Msg != "" {
			return te.Msg
		}
		return MsgNotFound
	case KindConflict:
		if te.Msg != "" {
			return te.Msg
		}
		return MsgConflict
	}
	return MsgSystemAnomaly
}
