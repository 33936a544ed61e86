package types

// Outcome is the terminal state of one invocation, recorded in the audit log.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeCanceled Outcome = "canceled"
	OutcomeRejected Outcome = "rejected"
)

// User identifies the tenant behind a realtime connection, resolved by the
// external identity layer before the connection reaches this subsystem.
type User struct {
	ID       string
	Username string
}
