// Package schema finds the structured task block an assistant embeds in its
// replies and tracks the propose/confirm dialogue around it.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"metra-client/internal/domain"
)

var (
	ErrSchemaNotFound = errors.New("schema: no structured task block found")
	ErrSchemaParse    = errors.New("schema: malformed structured task block")
)

var (
	fencedBlock = regexp.MustCompile("(?is)```json[ \\t]*\\r?\\n?(.*?)```")
	fenceOpen   = regexp.MustCompile("(?i)```json")
)

// Classify tags content as plain text or as a structured payload. A
// structured payload carries either the parsed schema or the parse error.
func Classify(content string) domain.Body {
	if m := fencedBlock.FindStringSubmatch(content); m != nil {
		raw := strings.TrimSpace(m[1])
		parsed, err := Parse(raw)
		return domain.Body{Kind: domain.StructuredPayload, Raw: raw, Schema: parsed, ParseErr: err}
	}
	if loc := fenceOpen.FindStringIndex(content); loc != nil {
		return domain.Body{
			Kind:     domain.StructuredPayload,
			Raw:      strings.TrimSpace(content[loc[1]:]),
			ParseErr: fmt.Errorf("%w: unterminated block", ErrSchemaParse),
		}
	}
	return domain.Body{Kind: domain.PlainText}
}

// Parse decodes a block body into a task schema. The block must hold exactly
// one JSON object.
func Parse(raw string) (domain.TaskSchema, error) {
	dec := json.NewDecoder(bytes.NewBufferString(raw))
	dec.UseNumber()

	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaParse, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: block is not an object", ErrSchemaParse)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", ErrSchemaParse)
	}
	return domain.TaskSchema(out), nil
}

// Extract returns the authoritative schema of a history: the one carried by
// the most recent assistant message that has a structured block. If that
// block did not parse, Extract fails with ErrSchemaParse rather than falling
// back to an older block.
func Extract(messages []domain.Message) (domain.TaskSchema, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != domain.RoleAssistant {
			continue
		}
		body := m.Body
		if !body.Structured() {
			body = Classify(m.Content)
		}
		if !body.Structured() {
			continue
		}
		if body.ParseErr != nil {
			return nil, body.ParseErr
		}
		return body.Schema, nil
	}
	return nil, ErrSchemaNotFound
}
