package identify

// Kind classifies why an identification failed.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionFailed
	KindServerReported
)

func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "connection_failed"
	case KindServerReported:
		return "server_reported"
	default:
		return "unknown"
	}
}

const (
	msgConnectionFailed = "Connection failed. Please ensure the identification backend is running."
	msgTimedOut         = "The identification backend did not respond in time."
	msgUnknownPrefix    = "Failed to identify plant: "
)

// Error is the single classified failure returned by Client.Identify. Message is
// meant to be shown to the user as-is.
type Error struct {
	Kind    Kind
	Message string
	// Status is the HTTP status code for KindServerReported, zero otherwise.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
