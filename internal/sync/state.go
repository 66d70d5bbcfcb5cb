package sync

import "time"

// State records what the last successful sync published
type State struct {
	GeneratedAt   time.Time                `json:"generated_at"`
	KernelVersion string                   `json:"kernel_version"`
	Outputs       map[string]ManagedOutput `json:"outputs"`
}

// ManagedOutput represents an output file under management
type ManagedOutput struct {
	Hash    string   `json:"hash"`    // SHA256 hash of content
	Size    int64    `json:"size"`    // content length in bytes
	Sources []string `json:"sources"` // URLs and local paths, in merge order
}

// Artifact is a fully rendered output held in memory
type Artifact struct {
	Name    string
	Content []byte // nil when the output was written directly to disk
	Size    int64
	Hash    string
	Sources []string
}

// Plan represents the file operations a staged sync performs
type Plan struct {
	Add       []FileOp
	Update    []FileOp
	Unchanged []FileOp
	Delete    []FileOp
}

// FileOp represents a file operation
type FileOp struct {
	Name     string // output file name
	DestPath string // absolute or working-directory relative destination
	Hash     string // content hash, empty for deletions
}
