package api

// Frame types carried on the execution stream.
const (
	// FrameOutput carries one line of execution output.
	FrameOutput = "output"
	// FrameError carries one line of error output.
	FrameError = "error"
	// FrameServerStarted announces a started dev server with its port.
	FrameServerStarted = "server_started"
	// FrameCommand echoes a command the backend began executing.
	FrameCommand = "command"
	// FrameContent carries generated file content.
	FrameContent = "content"
	// FrameExit announces the end of the remote execution.
	FrameExit = "exit"
)

// Frame is one parsed execution stream event.
type Frame struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Content    string `json:"content,omitempty"`
	Path       string `json:"path,omitempty"`
	Port       int    `json:"port,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
	ExitCode   int    `json:"exit_code,omitempty"`
}

// Line returns the printable line carried by an output or error frame.
func (f Frame) Line() string {
	if f.Text != "" {
		return f.Text
	}
	return f.Content
}

// SyncRequest is the payload accepted by the sync endpoint.
type SyncRequest struct {
	ProjectID string `json:"project_id"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	Language  string `json:"language"`
}

// SyncResult is the sync endpoint response.
type SyncResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// GenerationStats summarizes manifest-wide generation counters.
type GenerationStats struct {
	TotalFiles      int     `json:"total_files"`
	Completed       int     `json:"completed"`
	Planned         int     `json:"planned"`
	Generating      int     `json:"generating"`
	Failed          int     `json:"failed"`
	ProgressPercent float64 `json:"progress_percent"`
	IsComplete      bool    `json:"is_complete"`
	IsInProgress    bool    `json:"is_in_progress"`
}

// FileProgress is one manifest entry for a generated file.
type FileProgress struct {
	Path       string `json:"path"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Order      int    `json:"order"`
	HasContent bool   `json:"has_content"`
	UpdatedAt  string `json:"updated_at"`
}

// GenerationProgress is the server-authoritative generation manifest.
type GenerationProgress struct {
	ProjectID  string          `json:"project_id"`
	Generation GenerationStats `json:"generation"`
	Files      []FileProgress  `json:"files"`
	CanResume  bool            `json:"can_resume"`
	LastUpdate string          `json:"last_update"`
}

// ErrorReport is the accumulated error payload submitted for auto-repair.
type ErrorReport struct {
	ReportID  string   `json:"report_id"`
	ProjectID string   `json:"project_id"`
	Lines     []string `json:"lines"`
}

type fileContentResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}
