// Package errext contains extensions for normal Go errors: hints for the
// user and stack traces carried over from the remote driver.
package errext

// Exception represents errors that carry a stack trace describing where they
// happened, possibly spanning the driver process and the local call site.
type Exception interface {
	error
	StackTrace() string
}
