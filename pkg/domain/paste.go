package domain

import (
	"time"
)

// Position is a 0-indexed location inside a file. Char counts code points
// since the last newline.
type Position struct {
	Line int `json:"line"`
	Char int `json:"char"`
}
type Annotation struct {
	Head    Position `json:"head"`
	Tail    Position `json:"tail"`
	Content string   `json:"content"`
}
type File struct {
	Name        string       `json:"filename"`
	Content     string       `json:"content"`
	Language    string       `json:"language,omitempty"`
	Lines       int          `json:"loc"`
	Characters  int          `json:"charcount"`
	Annotations []Annotation `json:"annotations"`
	Sealed      []byte       `json:"-"`
}
type Paste struct {
	ID           string     `json:"id"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at"`
	Views        int64      `json:"views"`
	MaxViews     *int       `json:"max_views"`
	Files        []File     `json:"files"`
	Safety       string     `json:"safety,omitempty"`
	PasswordHash string     `json:"-"`
	SafetyHash   string     `json:"-"`
	EncryptedDEK []byte     `json:"-"`
}

// PasteInfo is what a safety token holder may see about a paste.
type PasteInfo struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	Views     int64      `json:"views"`
	MaxViews  *int       `json:"max_views"`
}
type CreateFile struct {
	Name     string `json:"filename"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}
type CreateParams struct {
	Files     []CreateFile
	Password  string
	MaxViews  *int
	ExpiresAt *time.Time
}

func (p *Paste) Info() *PasteInfo {
	return &PasteInfo{
		ID:        p.ID,
		CreatedAt: p.CreatedAt,
		ExpiresAt: p.ExpiresAt,
		Views:     p.Views,
		MaxViews:  p.MaxViews,
	}
}
