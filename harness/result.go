package harness

import (
	"encoding/hex"
	"encoding/json"

	"github.com/chazu/sift/protocol"
)

// Error kind tags carried in result documents.
const (
	KindEntryPoint = "EntryPointError"
	KindTrap       = "RuntimeTrapError"
	KindTimeout    = "RuntimeTimeoutError"
	KindProtocol   = "ProtocolError"
)

// RunError is the structured error field of a result document.
type RunError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *RunError) Error() string { return e.Kind + ": " + e.Message }

// Result is the complete outcome of one sandboxed run. Run-time failures
// land in Error; the harness never lets them escape as plain errors, so a
// caller always holds a result document.
type Result struct {
	Success     bool
	Error       *RunError
	Stdout      string
	Stderr      string
	StdoutTrunc bool
	StderrTrunc bool
	ExitCode    int
	Tables      []*protocol.Table
	SubContent  []protocol.SubContent
}

// maxSubContentHex caps how much payload a result document inlines per
// sub-content unit; full payloads stay available on the Result itself.
const maxSubContentHex = 4096

type subContentDoc struct {
	Index     int     `json:"index"`
	Filename  *string `json:"filename"`
	Size      int     `json:"size"`
	DataHex   string  `json:"data_hex"`
	Truncated bool    `json:"truncated"`
}

type resultDoc struct {
	Success    bool              `json:"success"`
	Error      *RunError         `json:"error"`
	Stdout     string            `json:"stdout"`
	Stderr     string            `json:"stderr"`
	ExitCode   int               `json:"exit_code"`
	Metadata   []*protocol.Table `json:"metadata"`
	SubContent []subContentDoc   `json:"subcontent"`
}

// MarshalJSON renders the run-output document.
func (r *Result) MarshalJSON() ([]byte, error) {
	doc := resultDoc{
		Success:  r.Success,
		Error:    r.Error,
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		ExitCode: r.ExitCode,
		Metadata: r.Tables,
	}
	for _, u := range r.SubContent {
		entry := subContentDoc{Index: u.Index, Size: u.Size()}
		if u.HasMeta {
			name := u.Filename
			entry.Filename = &name
		}
		data := u.Data
		if len(data) > maxSubContentHex {
			data = data[:maxSubContentHex]
			entry.Truncated = true
		}
		entry.DataHex = hex.EncodeToString(data)
		doc.SubContent = append(doc.SubContent, entry)
	}
	return json.Marshal(doc)
}

func failure(kind, message string) *Result {
	return &Result{Error: &RunError{Kind: kind, Message: message}, ExitCode: -1}
}
