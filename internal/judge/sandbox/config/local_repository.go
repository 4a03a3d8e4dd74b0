package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"arbiter/internal/judge/sandbox/profile"
	"arbiter/internal/judge/sandbox/security"
	appErr "arbiter/pkg/errors"
)

// LocalRepository serves language specs and task profiles from in-memory maps.
// Entries are loaded once at startup from the node configuration file.
type LocalRepository struct {
	mu        sync.RWMutex
	languages map[string]profile.LanguageSpec
	profiles  map[string]profile.TaskProfile
}

var (
	_ LanguageSpecRepository = (*LocalRepository)(nil)
	_ TaskProfileRepository  = (*LocalRepository)(nil)
	_ ProfileResolver        = (*LocalRepository)(nil)
)

// NewLocalRepository builds a repository from preloaded definitions.
func NewLocalRepository(languages []profile.LanguageSpec, profiles []profile.TaskProfile) *LocalRepository {
	repo := &LocalRepository{
		languages: make(map[string]profile.LanguageSpec, len(languages)),
		profiles:  make(map[string]profile.TaskProfile, len(profiles)),
	}
	for _, lang := range languages {
		repo.languages[lang.ID] = lang
	}
	for _, p := range profiles {
		repo.profiles[profileKey(p.LanguageID, p.TaskType)] = p
	}
	return repo
}

func (r *LocalRepository) Get(ctx context.Context, languageID string) (profile.LanguageSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lang, ok := r.languages[languageID]
	if !ok {
		return profile.LanguageSpec{}, appErr.Newf(appErr.LanguageNotSupported, "language %s is not configured", languageID)
	}
	return lang, nil
}

func (r *LocalRepository) List(ctx context.Context) ([]profile.LanguageSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	langs := make([]profile.LanguageSpec, 0, len(r.languages))
	for _, lang := range r.languages {
		langs = append(langs, lang)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i].ID < langs[j].ID })
	return langs, nil
}

func (r *LocalRepository) GetProfile(ctx context.Context, languageID string, taskType profile.TaskType) (profile.TaskProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[profileKey(languageID, taskType)]
	if ok {
		return p, nil
	}
	// Fall back to the language-agnostic profile for the task type.
	p, ok = r.profiles[profileKey("", taskType)]
	if !ok {
		return profile.TaskProfile{}, appErr.Newf(appErr.NotFound, "no task profile for %s/%s", languageID, taskType)
	}
	p.LanguageID = languageID
	return p, nil
}

// Resolve maps a "<languageID>-<taskType>" profile name to isolation
// settings. Language-qualified names fall back to the generic task
// profile, matching the GetProfile lookup order.
func (r *LocalRepository) Resolve(name string) (security.IsolationProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.findProfileByName(name); ok {
		return isolationOf(p), nil
	}
	if idx := strings.LastIndex(name, "-"); idx > 0 {
		if p, ok := r.findProfileByName(name[idx+1:]); ok {
			return isolationOf(p), nil
		}
	}
	return security.IsolationProfile{}, appErr.Newf(appErr.NotFound, "unknown sandbox profile: %s", name)
}

func (r *LocalRepository) findProfileByName(name string) (profile.TaskProfile, bool) {
	for _, p := range r.profiles {
		if profileNameOf(p) == name {
			return p, true
		}
	}
	return profile.TaskProfile{}, false
}

func isolationOf(p profile.TaskProfile) security.IsolationProfile {
	return security.IsolationProfile{
		RootFS:         p.RootFS,
		SeccompProfile: p.SeccompProfile,
		DisableNetwork: true,
	}
}

func profileKey(languageID string, taskType profile.TaskType) string {
	return fmt.Sprintf("%s/%s", languageID, taskType)
}

func profileNameOf(p profile.TaskProfile) string {
	if p.LanguageID == "" {
		return string(p.TaskType)
	}
	return fmt.Sprintf("%s-%s", p.LanguageID, p.TaskType)
}
