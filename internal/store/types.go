// Package store is an atomic JSON persistence facade over the
// state-directory tree. It owns BackendConfig, RouterConfig,
// AdminConfig and GlobalConfig, and is the only component that writes
// those files.
package store

import "time"

// Status is the lifecycle state of a supervised process.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusCrashed Status = "crashed"
)

// BackendConfig is one supervised inference process, one per model.
type BackendConfig struct {
	ID    string `json:"id"`
	Alias string `json:"alias,omitempty"`

	ModelPath string `json:"modelPath"`
	ModelName string `json:"modelName"`

	Port int    `json:"port"`
	Host string `json:"host"`

	Threads    int  `json:"threads"`
	CtxSize    int  `json:"ctxSize"`
	GPULayers  int  `json:"gpuLayers"`
	Verbose    bool `json:"verbose"`
	Embeddings bool `json:"embeddings"`
	Jinja      bool `json:"jinja"`

	CustomFlags []string `json:"customFlags,omitempty"`

	Status        Status     `json:"status"`
	PID           int        `json:"pid,omitempty"`
	LastStarted   *time.Time `json:"lastStarted,omitempty"`
	LastStopped   *time.Time `json:"lastStopped,omitempty"`
	MetalMemoryMB int        `json:"metalMemoryMB,omitempty"`

	UnitPath    string `json:"unitPath"`
	StdoutPath  string `json:"stdoutPath"`
	StderrPath  string `json:"stderrPath"`
	HTTPLogPath string `json:"httpLogPath"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Label is the supervisor unit label for this backend.
func (b *BackendConfig) Label() string { return "llamafleet." + b.ID }

// SingletonConfig is the shape shared by RouterConfig and AdminConfig.
type SingletonConfig struct {
	Port  int    `json:"port"`
	Host  string `json:"host"`
	Label string `json:"label"`

	PlistPath  string `json:"plistPath"`
	StdoutPath string `json:"stdoutPath"`
	StderrPath string `json:"stderrPath"`

	RequestTimeoutSeconds int  `json:"requestTimeoutSeconds"`
	Verbose               bool `json:"verbose"`

	Status      Status     `json:"status"`
	PID         int        `json:"pid,omitempty"`
	LastStarted *time.Time `json:"lastStarted,omitempty"`
	LastStopped *time.Time `json:"lastStopped,omitempty"`
}

// RouterConfig is the Router server singleton.
type RouterConfig struct {
	SingletonConfig
}

// AdminConfig is the Admin API server singleton; APIKey is generated
// once on first start and is otherwise opaque to everything but the
// bearer-token middleware.
type AdminConfig struct {
	SingletonConfig
	APIKey string `json:"apiKey"`
}
