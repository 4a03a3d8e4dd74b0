package engine

import (
	"arbiter/internal/judge/sandbox/security"
	"arbiter/internal/judge/sandbox/spec"
)

type initRequest struct {
	RunSpec       spec.RunSpec
	Isolation     security.IsolationProfile
	EnableSeccomp bool
	EnableNs      bool
}
