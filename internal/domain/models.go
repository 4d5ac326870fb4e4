package domain

import (
	"fmt"
	"sort"
	"time"
)

// ==================== ENUMS ====================

type Round int

const (
	RoundInitial  Round = 1
	RoundRevision Round = 2
)

func (r Round) Valid() bool {
	return r == RoundInitial || r == RoundRevision
}

type CommitOutcome string

const (
	CommitOutcomeSuccess CommitOutcome = "success"
	CommitOutcomeFailure CommitOutcome = "failure"
)

// Well-known artifact file names.
const (
	FileIndexHTML = "index.html"
	FileReadme    = "README.md"
	FileLicense   = "LICENSE"
)

// PublishOrder is the order in which artifacts are committed.
var PublishOrder = []string{FileIndexHTML, FileReadme, FileLicense}

// ==================== REQUEST ====================

// AttachmentInput is an inline payload as received on the wire.
// URL is a data URI: data:<mime>;base64,<payload>.
type AttachmentInput struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// TaskRequest is the unit of work submitted through the gateway.
type TaskRequest struct {
	Email         string            `json:"email"`
	Task          string            `json:"task"`
	Round         Round             `json:"round"`
	Nonce         string            `json:"nonce"`
	Brief         string            `json:"brief"`
	Checks        []string          `json:"checks,omitempty"`
	Attachments   []AttachmentInput `json:"attachments,omitempty"`
	EvaluationURL string            `json:"evaluation_url"`
	Secret        string            `json:"secret,omitempty"`
}

// IdempotencyKey renders the (email, task, round, nonce) tuple.
func (r TaskRequest) IdempotencyKey() string {
	return IdempotencyKey(r.Email, r.Task, r.Round, r.Nonce)
}

func IdempotencyKey(email, task string, round Round, nonce string) string {
	return fmt.Sprintf("%s::%s::round%d::nonce%s", email, task, round, nonce)
}

// Redacted returns a copy safe to log or enqueue.
func (r TaskRequest) Redacted() TaskRequest {
	r.Secret = ""
	return r
}

// ==================== OUTCOME ====================

// TaskOutcome is the durable record of a completed attempt, one per idempotency key.
type TaskOutcome struct {
	Key       string    `json:"-" gorm:"primaryKey;size:512"`
	Email     string    `json:"email" gorm:"size:320;not null"`
	Task      string    `json:"task" gorm:"size:255;not null;index"`
	Round     Round     `json:"round" gorm:"not null"`
	Nonce     string    `json:"nonce" gorm:"size:255;not null"`
	RepoURL   string    `json:"repo_url" gorm:"size:1024"`
	CommitSHA string    `json:"commit_sha" gorm:"size:64"`
	PagesURL  string    `json:"pages_url" gorm:"size:1024"`
	CreatedAt time.Time `json:"created_at"`
}

func (TaskOutcome) TableName() string {
	return "task_outcomes"
}

// IdempotencyKey recomputes the key from the stored fields.
func (o TaskOutcome) IdempotencyKey() string {
	return IdempotencyKey(o.Email, o.Task, o.Round, o.Nonce)
}

// ==================== ARTIFACTS ====================

// ArtifactSet maps generated file names to their text content.
type ArtifactSet map[string]string

func (a ArtifactSet) Has(name string) bool {
	content, ok := a[name]
	return ok && content != ""
}

// Names returns the artifact names in publish order followed by any extras
// sorted by name.
func (a ArtifactSet) Names() []string {
	names := make([]string, 0, len(a))
	seen := make(map[string]bool, len(PublishOrder))
	for _, n := range PublishOrder {
		seen[n] = true
		if _, ok := a[n]; ok {
			names = append(names, n)
		}
	}
	var extras []string
	for n := range a {
		if !seen[n] {
			extras = append(extras, n)
		}
	}
	sort.Strings(extras)
	return append(names, extras...)
}

// ArtifactResult records whether a single file landed in the repository.
type ArtifactResult struct {
	Filename string        `json:"filename"`
	Outcome  CommitOutcome `json:"outcome"`
	Detail   string        `json:"detail,omitempty"`
}

// Attachment is a decoded attachment written to disk.
type Attachment struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	MIME      string `json:"mime"`
	Size      int    `json:"size"`
	ObjectKey string `json:"object_key,omitempty"`
}

// ==================== HOSTING ====================

// Repository identifies a hosted repository.
type Repository struct {
	Name          string `json:"name"`
	Owner         string `json:"owner"`
	DefaultBranch string `json:"default_branch"`
	HTMLURL       string `json:"html_url"`
}

// PublishResult is what the publish workflow hands back to the processor.
type PublishResult struct {
	RepoURL   string           `json:"repo_url"`
	CommitSHA string           `json:"commit_sha"`
	PagesURL  string           `json:"pages_url"`
	Artifacts []ArtifactResult `json:"artifacts"`
}
