package interp

// Ops understood by the wrapper.
const (
	OpExec         = "exec"
	OpCall         = "call"
	OpStartServer  = "start_server"
	OpServerOutput = "server_output"
)

// Request is a single command sent to the wrapper.
type Request struct {
	ID       uint64  `json:"id"`
	Op       string  `json:"op"`
	Code     string  `json:"code,omitempty"`
	Function string  `json:"function,omitempty"`
	Args     string  `json:"args,omitempty"`
	Module   string  `json:"module,omitempty"`
	Port     int     `json:"port,omitempty"`
	Timeout  float64 `json:"timeout,omitempty"`
	Grace    float64 `json:"grace,omitempty"`
	Fallback bool    `json:"fallback,omitempty"`
}

// Reply is the wrapper's answer to a Request.
type Reply struct {
	ID      uint64 `json:"id"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Failed  bool   `json:"failed"`
}

// ScriptError carries an exception raised inside the interpreter.
type ScriptError struct {
	Op      string
	Message string
}

// Error returns the interpreter's exception text unchanged.
func (e *ScriptError) Error() string {
	return e.Message
}

type logRecord struct {
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	With    map[string]interface{} `json:"with"`
}
