package probeerrors

import "github.com/probecore/probecore/logger"

// WarnAndContinue records a recoverable condition (Debug.WarnAndContinue in
// spec terms): it is logged permanently under tag but is not itself
// returned as an error, since the caller already has a usable result.
func WarnAndContinue(tag string, message string, args ...any) {
	logger.LogPermanent(tag, Errorf(message, args...).Error())
}
