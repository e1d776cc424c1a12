package consent

// Prompt is the structured description of an action handed to the dialog
// service. Rendering is entirely the dialog's concern.
type Prompt struct {
	AppID        string
	ParentWindow string
	Title        string
	Subtitle     string
	Body         string
	GrantLabel   string
	DenyLabel    string
	// Sources offered for selection, keyed by opaque identifier. Empty for
	// yes/no prompts.
	Sources map[string]string
	// Multiple allows selecting more than one source.
	Multiple bool
}

// Decision is the user's answer.
type Decision struct {
	Allowed  bool
	Remember bool
	// SourceIDs are the identifiers picked from Prompt.Sources, if any.
	SourceIDs []string
}

// FileRequest describes a file dialog handed to the dialog service.
type FileRequest struct {
	AppID        string
	ParentWindow string
	Title        string
	AcceptLabel  string
	// Multiple allows picking more than one file. Ignored when Save is set.
	Multiple bool
	// Directory asks for a folder instead of files.
	Directory bool
	// Save opens a save dialog instead of an open dialog.
	Save bool
	// CurrentName pre-fills the file name in a save dialog.
	CurrentName string
	// CurrentFolder is the suggested starting folder.
	CurrentFolder string
	// Files are names to be saved into the chosen folder, for batch saves.
	Files []string
}

// FileSelection is the dialog's answer to a FileRequest.
type FileSelection struct {
	Allowed bool
	URIs    []string
}
