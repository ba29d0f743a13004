package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrMalformedPayload is returned when a delivery body cannot be decoded
// into a Payload or lacks required repository fields.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Repository is the repository block of a star delivery.
type Repository struct {
	StargazersCount *int   `json:"stargazers_count"`
	FullName        string `json:"full_name"`
}

// User is the sender of a delivery.
type User struct {
	Login string `json:"login"`
}

// Payload is a decoded star (watch) delivery. GitHub's connectivity-check
// ping carries no action, so Action and Sender may be empty.
type Payload struct {
	Repository *Repository `json:"repository"`
	Sender     *User       `json:"sender,omitempty"`
	StarredAt  *time.Time  `json:"starred_at,omitempty"`
	Action     string      `json:"action,omitempty"`

	// Populated from request headers, not the body.
	Event      string `json:"-"`
	DeliveryID string `json:"-"`
}

// RepoFullName returns the owner/name of the payload's repository.
func (p *Payload) RepoFullName() string {
	if p.Repository == nil {
		return ""
	}
	return p.Repository.FullName
}

// StarCount returns the repository's stargazer count as of the delivery.
func (p *Payload) StarCount() int {
	if p.Repository == nil || p.Repository.StargazersCount == nil {
		return 0
	}
	return *p.Repository.StargazersCount
}

// SenderLogin returns the login of the user who triggered the delivery.
func (p *Payload) SenderLogin() string {
	if p.Sender == nil {
		return ""
	}
	return p.Sender.Login
}

// IsConnectivityCheck reports whether the payload is a bare connectivity
// check: one with neither an action nor a sender.
func (p *Payload) IsConnectivityCheck() bool {
	return p.Action == "" && p.Sender == nil
}

// DecodeBody returns the JSON document carried by a delivery body. Bodies
// sent as application/x-www-form-urlencoded carry it URL-encoded in a single
// payload field.
func DecodeBody(raw []byte, contentType string) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	form := strings.HasPrefix(strings.ToLower(contentType), "application/x-www-form-urlencoded")
	if !form && !bytes.HasPrefix(trimmed, []byte("payload=")) {
		return raw, nil
	}
	values, err := url.ParseQuery(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: form body: %w", ErrMalformedPayload, err)
	}
	doc := values.Get("payload")
	if doc == "" {
		return nil, fmt.Errorf("%w: form body has no payload field", ErrMalformedPayload)
	}
	return []byte(doc), nil
}

// ParsePayload decodes and validates a JSON delivery document.
func ParsePayload(doc []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	switch {
	case p.Repository == nil:
		return nil, fmt.Errorf("%w: missing repository", ErrMalformedPayload)
	case p.Repository.FullName == "":
		return nil, fmt.Errorf("%w: missing repository.full_name", ErrMalformedPayload)
	case p.Repository.StargazersCount == nil:
		return nil, fmt.Errorf("%w: missing repository.stargazers_count", ErrMalformedPayload)
	}
	return &p, nil
}

// Decode turns a raw delivery body into a Payload.
func Decode(raw []byte, contentType string) (*Payload, error) {
	doc, err := DecodeBody(raw, contentType)
	if err != nil {
		return nil, err
	}
	return ParsePayload(doc)
}
