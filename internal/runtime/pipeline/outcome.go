package pipeline

import (
	"fmt"

	"github.com/drblury/replyflow/internal/runtime/correlation"
)

// Data is the decoded command or event payload.
type Data = map[string]any

// State is opaque session state threaded through one invocation. A stage that
// returns nil keeps the previous value.
type State = any

// ErrorCode identifies a protocol error. Codes are resolved to numbers and
// text by the message catalog at the transport boundary.
type ErrorCode string

const (
	CodeUnauthorized     ErrorCode = "unauthorized"
	CodeValidationFailed ErrorCode = "validation_failed"
	CodeProcessDown      ErrorCode = correlation.CodeProcessDown
	CodeTimeout          ErrorCode = correlation.CodeTimeout
	CodeBadCommand       ErrorCode = "bad_command"
	CodeInternal         ErrorCode = "internal"
)

// Kind tags the active variant of an Outcome.
type Kind int

const (
	KindInvalid Kind = iota
	KindLogin
	KindReply
	KindAck
	KindStatus
	KindError
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindLogin:
		return "login"
	case KindReply:
		return "reply"
	case KindAck:
		return "ack"
	case KindStatus:
		return "status"
	case KindError:
		return "error"
	case KindStop:
		return "stop"
	default:
		return "invalid"
	}
}

// Outcome is the normalized result of a pipeline stage. The zero value is
// invalid and rejected by the engine.
type Outcome struct {
	kind   Kind
	userID string
	reply  Data
	worker correlation.Worker
	status int
	code   ErrorCode
	reason string
}

// Login replies and marks the session as authenticated for userID.
func Login(userID string, reply Data) Outcome {
	return Outcome{kind: KindLogin, userID: userID, reply: reply}
}

func Reply(reply Data) Outcome {
	return Outcome{kind: KindReply, reply: reply}
}

// Ack defers the reply to a later completion. worker may be nil; when set,
// its death resolves the exchange with process_down.
func Ack(worker correlation.Worker) Outcome {
	return Outcome{kind: KindAck, worker: correlation.NormalizeWorker(worker)}
}

// Status answers with a bare transport status code.
func Status(code int) Outcome {
	return Outcome{kind: KindStatus, status: code}
}

func Error(code ErrorCode) Outcome {
	return Outcome{kind: KindError, code: code}
}

// Stop replies and asks the transport to close the connection.
func Stop(reason string, reply Data) Outcome {
	return Outcome{kind: KindStop, reason: reason, reply: reply}
}

func (o Outcome) Kind() Kind                 { return o.kind }
func (o Outcome) UserID() string             { return o.userID }
func (o Outcome) Reply() Data                { return o.reply }
func (o Outcome) Worker() correlation.Worker { return o.worker }
func (o Outcome) StatusCode() int            { return o.status }
func (o Outcome) Code() ErrorCode            { return o.code }
func (o Outcome) Reason() string             { return o.reason }
func (o Outcome) IsValid() bool              { return o.kind != KindInvalid }

func (o Outcome) String() string {
	switch o.kind {
	case KindLogin:
		return fmt.Sprintf("login(%s)", o.userID)
	case KindAck:
		if o.worker != nil {
			return fmt.Sprintf("ack(%s)", o.worker.ID())
		}
		return "ack"
	case KindStatus:
		return fmt.Sprintf("status(%d)", o.status)
	case KindError:
		return fmt.Sprintf("error(%s)", o.code)
	case KindStop:
		return fmt.Sprintf("stop(%s)", o.reason)
	default:
		return o.kind.String()
	}
}
