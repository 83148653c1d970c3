// ABOUTME: Shared helpers for persisting opaque payloads and classifying backend errors
// ABOUTME: Used by both the SQLite and gorm stores so they agree on encodings and failures

package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// EncodePayload renders an opaque payload as canonical JSON text.
// Map keys are sorted, so two equal trees always encode identically.
func EncodePayload(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	return string(b), nil
}

// decodePayload parses stored JSON text back into an untyped tree.
// Empty text decodes to nil.
func decodePayload(text string) (any, error) {
	if text == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return v, nil
}

func encodeCapabilities(caps []string) (string, error) {
	if caps == nil {
		caps = []string{}
	}
	return EncodePayload(caps)
}

func decodeCapabilities(text string) ([]string, error) {
	caps := []string{}
	if text == "" {
		return caps, nil
	}
	if err := json.Unmarshal([]byte(text), &caps); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	return caps, nil
}

func encodeMetadata(md map[string]any) (string, error) {
	if md == nil {
		md = map[string]any{}
	}
	return EncodePayload(md)
}

func decodeMetadata(text string) (map[string]any, error) {
	md := map[string]any{}
	if text == "" {
		return md, nil
	}
	if err := json.Unmarshal([]byte(text), &md); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return md, nil
}

// escapeLike escapes LIKE wildcards so search terms match literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// wrapErr annotates a backend error with the operation that failed and tags
// connectivity failures with ErrUnavailable.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"database is closed",
		"database is locked",
		"sqlite_busy",
		"connection refused",
		"interrupted",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
