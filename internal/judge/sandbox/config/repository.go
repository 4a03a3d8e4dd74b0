// Package config provides lookup of language specs and task profiles.
package config

import (
	"context"

	"arbiter/internal/judge/sandbox/profile"
	"arbiter/internal/judge/sandbox/security"
)

// LanguageSpecRepository resolves language definitions by ID.
type LanguageSpecRepository interface {
	Get(ctx context.Context, languageID string) (profile.LanguageSpec, error)
	List(ctx context.Context) ([]profile.LanguageSpec, error)
}

// TaskProfileRepository resolves task profiles by language and task type.
type TaskProfileRepository interface {
	GetProfile(ctx context.Context, languageID string, taskType profile.TaskType) (profile.TaskProfile, error)
}

// ProfileResolver maps a named profile to concrete isolation settings.
type ProfileResolver interface {
	Resolve(name string) (security.IsolationProfile, error)
}
