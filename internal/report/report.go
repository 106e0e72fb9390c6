// Package report records what a provisioning run did, step by step, and
// renders it as JSON or YAML for CI logs and audit trails.
package report

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rileyhilliard/vpsinit/internal/errors"
	"github.com/rileyhilliard/vpsinit/internal/remote"
	"github.com/rileyhilliard/vpsinit/internal/runner"
	"gopkg.in/yaml.v3"
)

// Format selects the report encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks YAML for .yaml and .yml files and JSON otherwise.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Report is the record of one run.
type Report struct {
	RunID      string       `json:"runId" yaml:"run_id"`
	Command    string       `json:"command" yaml:"command"`
	Host       string       `json:"host" yaml:"host"`
	AdminUser  string       `json:"adminUser" yaml:"admin_user"`
	StartedAt  time.Time    `json:"startedAt" yaml:"started_at"`
	FinishedAt time.Time    `json:"finishedAt" yaml:"finished_at"`
	FinalMode  string       `json:"finalMode,omitempty" yaml:"final_mode,omitempty"`
	Success    bool         `json:"success" yaml:"success"`
	Steps      []StepRecord `json:"steps" yaml:"steps"`
	Summary    Summary      `json:"summary" yaml:"summary"`
	Error      *ErrorRecord `json:"error,omitempty" yaml:"error,omitempty"`
}

// StepRecord is one step's outcome.
type StepRecord struct {
	Name       string `json:"name" yaml:"name"`
	Status     string `json:"status" yaml:"status"`
	Mode       string `json:"mode" yaml:"mode"`
	DurationMS int64  `json:"durationMs" yaml:"duration_ms"`
	Note       string `json:"note,omitempty" yaml:"note,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Summary counts steps by status.
type Summary struct {
	Applied int `json:"applied" yaml:"applied"`
	Skipped int `json:"skipped" yaml:"skipped"`
	Pending int `json:"pending" yaml:"pending"`
	Failed  int `json:"failed" yaml:"failed"`
}

// ErrorRecord is the run-ending error in structured form.
type ErrorRecord struct {
	Code       string `json:"code" yaml:"code"`
	Step       string `json:"step,omitempty" yaml:"step,omitempty"`
	Message    string `json:"message" yaml:"message"`
	Cause      string `json:"cause,omitempty" yaml:"cause,omitempty"`
	Suggestion string `json:"suggestion,omitempty" yaml:"suggestion,omitempty"`
}

// Recorder builds a Report while a run is in progress. It is a
// runner.Observer.
type Recorder struct {
	mu     sync.Mutex
	report Report
	now    func() time.Time
}

var _ runner.Observer = (*Recorder)(nil)

// NewRecorder starts a report for command against host.
func NewRecorder(command, host, adminUser string) *Recorder {
	r := &Recorder{now: time.Now}
	r.report = Report{
		RunID:     uuid.NewString(),
		Command:   command,
		Host:      host,
		AdminUser: adminUser,
		StartedAt: r.now().UTC(),
		Steps:     []StepRecord{},
	}
	return r
}

// StepStarted implements runner.Observer.
func (r *Recorder) StepStarted(runner.Step, remote.Mode) {}

// StepFinished implements runner.Observer.
func (r *Recorder) StepFinished(res runner.StepResult) {
	rec := StepRecord{
		Name:       res.Name,
		Status:     res.Status.String(),
		Mode:       res.Mode.String(),
		DurationMS: res.Duration.Milliseconds(),
		Note:       res.Note,
	}
	if res.Err != nil {
		rec.Error = errorMessage(res.Err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Steps = append(r.report.Steps, rec)
	switch res.Status {
	case runner.Applied:
		r.report.Summary.Applied++
	case runner.Skipped:
		r.report.Summary.Skipped++
	case runner.Pending:
		r.report.Summary.Pending++
	case runner.Failed:
		r.report.Summary.Failed++
	}
}

// Finish stamps the end of the run and returns the completed report. mode is
// the credential mode the run ended in; detected is false when detection
// never succeeded.
func (r *Recorder) Finish(mode remote.Mode, detected bool, runErr error) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.report.FinishedAt = r.now().UTC()
	if detected {
		r.report.FinalMode = mode.String()
	}
	r.report.Success = runErr == nil
	r.report.Error = ErrorToRecord(runErr)

	out := r.report
	out.Steps = append([]StepRecord(nil), r.report.Steps...)
	return out
}

// CodeUnknown labels errors that carry no structured code.
const CodeUnknown = "UNKNOWN"

// ErrorToRecord converts err to its structured form. Nil stays nil.
func ErrorToRecord(err error) *ErrorRecord {
	if err == nil {
		return nil
	}
	var e *errors.Error
	if stderrors.As(err, &e) {
		rec := &ErrorRecord{
			Code:       e.Code,
			Step:       e.Step,
			Message:    e.Message,
			Suggestion: e.Suggestion,
		}
		if e.Cause != nil {
			rec.Cause = e.Cause.Error()
		}
		return rec
	}
	return &ErrorRecord{Code: CodeUnknown, Message: err.Error()}
}

func errorMessage(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) {
		if e.Cause != nil {
			return e.Message + ": " + e.Cause.Error()
		}
		return e.Message
	}
	return err.Error()
}

// Write encodes rep to w.
func Write(w io.Writer, rep Report, format Format) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return err
		}
		return enc.Close()
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

// WriteFile saves rep at path, choosing the format from the extension.
func WriteFile(path string, rep Report) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Can't write report: "+path,
			"Check that the directory exists and is writable")
	}
	if err := Write(f, rep, FormatForPath(path)); err != nil {
		f.Close()
		return errors.WrapWithCode(err, errors.ErrConfig, "Failed to encode report", "")
	}
	return f.Close()
}

// Read decodes a report written by Write. The format is detected from the
// content: JSON starts with '{'.
func Read(r io.Reader) (Report, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Report{}, err
	}
	var rep Report
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "{") {
		err = json.Unmarshal(data, &rep)
	} else {
		err = yaml.Unmarshal(data, &rep)
	}
	return rep, err
}
