// Package quirks centralizes the handful of regex-matched JSON-RPC error
// message patterns the send pipeline needs to tell apart. Node vendors
// don't agree on structured error codes for these cases, so matching the
// message text is the only portable signal. Keeping the patterns here
// means node-message drift is a one-file fix.
package quirks

import "regexp"

var (
	insufficientFundsPattern = regexp.MustCompile(`(?i)insufficient funds for transfer`)
	outOfGasDeployPattern    = regexp.MustCompile(`(?i)contract creation code storage out of gas`)
)

// IsInsufficientFundsForTransfer reports whether err's message matches the
// node's "insufficient funds for transfer" wording.
func IsInsufficientFundsForTransfer(msg string) bool {
	return insufficientFundsPattern.MatchString(msg)
}

// IsInsufficientFundsForDeploy reports whether err's message matches the
// node's "ran out of gas writing the deployed bytecode" wording, kept
// distinct from a generic gas-estimation failure because it only ever
// happens during contract creation.
func IsInsufficientFundsForDeploy(msg string) bool {
	return outOfGasDeployPattern.MatchString(msg)
}
