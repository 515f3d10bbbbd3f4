package correlation

import "time"

// Error codes produced by the engine itself.
const (
	CodeProcessDown = "process_down"
	CodeTimeout     = "timeout"
)

// SignalKind enumerates the completions a pending ack accepts.
type SignalKind int

const (
	SignalReply SignalKind = iota + 1
	SignalLogin
	SignalError
	SignalRenewal
)

func (k SignalKind) String() string {
	switch k {
	case SignalReply:
		return "reply"
	case SignalLogin:
		return "login"
	case SignalError:
		return "error"
	case SignalRenewal:
		return "renewal"
	default:
		return "unknown"
	}
}

// Signal is an out-of-band completion addressed to one tid.
type Signal struct {
	Kind   SignalKind
	TID    string
	Reply  map[string]any
	UserID string
	Code   string
	Worker Worker
}

// Reply resolves tid with data.
func Reply(tid string, data map[string]any) Signal {
	return Signal{Kind: SignalReply, TID: tid, Reply: data}
}

// Login resolves tid with data and an authenticated user.
func Login(tid, userID string, data map[string]any) Signal {
	return Signal{Kind: SignalLogin, TID: tid, UserID: userID, Reply: data}
}

// Failure resolves tid with an error code.
func Failure(tid, code string) Signal {
	return Signal{Kind: SignalError, TID: tid, Code: code}
}

// Renewal keeps tid waiting. A non-nil worker replaces the supervised one.
func Renewal(tid string, worker Worker) Signal {
	return Signal{Kind: SignalRenewal, TID: tid, Worker: NormalizeWorker(worker)}
}

// ResolutionKind is the terminal state of a pending ack.
type ResolutionKind int

const (
	ResolvedReply ResolutionKind = iota + 1
	ResolvedLogin
	ResolvedError
	ProcessDown
	TimedOut
	Cancelled
)

func (k ResolutionKind) String() string {
	switch k {
	case ResolvedReply:
		return "reply"
	case ResolvedLogin:
		return "login"
	case ResolvedError:
		return "error"
	case ProcessDown:
		return "process_down"
	case TimedOut:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Resolution is what AwaitResolution returns. Reason is set for ProcessDown
// and Cancelled.
type Resolution struct {
	Kind   ResolutionKind
	TID    string
	Reply  map[string]any
	UserID string
	Code   string
	Reason error
	Waited time.Duration
}

// Failed reports whether the resolution should be written as an error
// envelope.
func (r Resolution) Failed() bool {
	return r.Kind == ResolvedError || r.Kind == ProcessDown || r.Kind == TimedOut
}
