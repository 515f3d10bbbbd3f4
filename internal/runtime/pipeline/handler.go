package pipeline

// Handler supplies the per-stage callbacks of a service. Every callback
// returns the session state to continue with; nil keeps the current state.
type Handler interface {
	Parse(rc *RequestContext, name string, data Data, state State) (ParseResult, State, error)
	Authorize(rc *RequestContext, command string, data Data, state State) (bool, State, error)
	Execute(rc *RequestContext, command string, data Data, state State) (Outcome, State, error)
	HandleEvent(rc *RequestContext, event string, data Data, state State) (Outcome, State, error)
	HandleResult(rc *RequestContext, token string, data Data, state State) (Data, State, error)
}

type parseKind int

const (
	parseInvalid parseKind = iota
	parseSchema
	parseData
	parseHalt
)

// ParseResult is what the parse stage decided.
type ParseResult struct {
	kind    parseKind
	schema  *Schema
	data    Data
	outcome Outcome
}

// WithSchema asks the engine to validate the input against s.
func WithSchema(s *Schema) ParseResult {
	return ParseResult{kind: parseSchema, schema: s}
}

// Parsed hands the engine already normalized data.
func Parsed(data Data) ParseResult {
	return ParseResult{kind: parseData, data: data}
}

// Halt ends the pipeline early. Only Status, Error and Stop are accepted.
func Halt(o Outcome) ParseResult {
	return ParseResult{kind: parseHalt, outcome: o}
}

// PassThrough accepts input as-is, allows every command and rejects command
// execution with bad_command. Embed it and override what a service needs.
type PassThrough struct{}

func (PassThrough) Parse(_ *RequestContext, _ string, data Data, _ State) (ParseResult, State, error) {
	return Parsed(data), nil, nil
}

func (PassThrough) Authorize(*RequestContext, string, Data, State) (bool, State, error) {
	return true, nil, nil
}

func (PassThrough) Execute(*RequestContext, string, Data, State) (Outcome, State, error) {
	return Error(CodeBadCommand), nil, nil
}

func (PassThrough) HandleEvent(*RequestContext, string, Data, State) (Outcome, State, error) {
	return Reply(nil), nil, nil
}

func (PassThrough) HandleResult(_ *RequestContext, _ string, data Data, _ State) (Data, State, error) {
	return data, nil, nil
}
