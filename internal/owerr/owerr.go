// Package owerr carries the error taxonomy of the supervisor: connection,
// protocol, bus-operation, configuration, and invariant-violation failures,
// each tagged with a stable Kind so callers can branch on failure class
// without string matching.
package owerr

// Kind is a stable, loggable error classification.
type Kind string

const (
	Connection           Kind = "connection"
	Protocol              Kind = "protocol"
	BusOperation          Kind = "bus_operation"
	Configuration         Kind = "configuration"
	InvariantViolation    Kind = "invariant_violation"
)

// E wraps an error with its Kind, the failing operation, and a device/
// channel context string used for logging.
type E struct {
	K      Kind
	Op     string
	Device string
	Msg    string
	Err    error
}

func (e *E) Error() string {
	s := string(e.K) + ": " + e.Op
	if e.Device != "" {
		s += " [" + e.Device + "]"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Kind() Kind    { return e.K }

// Of extracts a Kind from an error, defaulting to Protocol — the teacher's
// errcode.Of pattern generalized to a richer taxonomy.
func Of(err error) Kind {
	if err == nil {
		return ""
	}
	type kinder interface{ Kind() Kind }
	if x, ok := err.(kinder); ok {
		return x.Kind()
	}
	return Protocol
}

func Conn(op string, err error) error {
	return &E{K: Connection, Op: op, Err: err}
}

func Proto(op, msg string, err error) error {
	return &E{K: Protocol, Op: op, Msg: msg, Err: err}
}

func Bus(op, device string, err error) error {
	return &E{K: BusOperation, Op: op, Device: device, Err: err}
}

func Config(op, msg string) error {
	return &E{K: Configuration, Op: op, Msg: msg}
}

func Invariant(op, msg string) error {
	return &E{K: InvariantViolation, Op: op, Msg: msg}
}
