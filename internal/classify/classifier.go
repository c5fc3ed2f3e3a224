// Package classify implements the Retry/Classifier (spec §4.7): ordered
// error-class matching that decides whether a failed unit of work gets
// retried, the session gets invalidated, or the target is marked terminal.
package classify

import (
	"strings"
	"time"
)

// Class names one of the four ordered error buckets. Order matters: the
// first matching class wins.
type Class int

const (
	ClassBrowserClosed Class = iota
	ClassMissingExtractor
	ClassNetwork
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassBrowserClosed:
		return "browser-closed"
	case ClassMissingExtractor:
		return "missing-extractor"
	case ClassNetwork:
		return "network"
	default:
		return "other"
	}
}

var browserClosedSubstrings = []string{
	"target/page/context/browser has been closed",
	"target has been closed",
	"page has been closed",
	"context has been closed",
	"browser has been closed",
	"browser disconnected",
	"session not found",
	"session expired",
	"websocket",
	"execution context was destroyed",
}

var missingExtractorSubstrings = []string{
	"failed to load scraper",
	"cannot find module",
	"missing extractor",
}

var networkSubstrings = []string{
	"timeout",
	"network",
	"connection",
	"navigation",
	"err_aborted",
	"frame was detached",
}

// Classify buckets err's message into one of the four ordered classes.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}
	msg := strings.ToLower(err.Error())
	if containsAny(msg, browserClosedSubstrings) {
		return ClassBrowserClosed
	}
	if containsAny(msg, missingExtractorSubstrings) {
		return ClassMissingExtractor
	}
	if containsAny(msg, networkSubstrings) {
		return ClassNetwork
	}
	return ClassOther
}

func containsAny(msg string, substrings []string) bool {
	for _, s := range substrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Action is what the engine must do after classifying a failure.
type Action struct {
	Class Class

	// Retry is true when the engine should re-attempt the same unit of
	// work after sleeping Backoff.
	Retry   bool
	Backoff time.Duration

	// InvalidateSession marks the session invalid without touching the
	// target's state, so the next batch re-picks it on a fresh session.
	InvalidateSession bool

	// MarkFailed/MarkInvalid are terminal target-state transitions.
	// MarkFailed means "retryable class exhausted its attempts".
	// MarkInvalid means "this URL can never succeed".
	MarkFailed  bool
	MarkInvalid bool

	// BlockProxyIfDatacenter tells the caller to call AddBlock when the
	// session's proxy type is datacenter.
	BlockProxyIfDatacenter bool
}

// Decide classifies err and returns the action to take, given the attempt
// number (0-based, attempt so far) and the configured maxRetries.
func Decide(err error, attempt, maxRetries int) Action {
	class := Classify(err)
	switch class {
	case ClassBrowserClosed:
		return Action{Class: class, InvalidateSession: true}
	case ClassMissingExtractor:
		return Action{Class: class, MarkInvalid: true}
	case ClassNetwork:
		if attempt < maxRetries {
			return Action{Class: class, Retry: true, Backoff: time.Duration(attempt+1) * 2 * time.Second}
		}
		return Action{Class: class, MarkFailed: true, BlockProxyIfDatacenter: true}
	default:
		return Action{Class: class, MarkInvalid: true}
	}
}
