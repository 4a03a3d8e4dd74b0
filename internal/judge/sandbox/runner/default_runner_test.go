package runner

import (
	"reflect"
	"testing"

	"arbiter/internal/judge/sandbox/profile"
	"arbiter/internal/judge/sandbox/result"
	"arbiter/internal/judge/sandbox/spec"
)

func TestMapRunVerdict(t *testing.T) {
	t.Parallel()

	limits := spec.ResourceLimit{
		CPUTimeMs: 1000,
		MemoryMB:  256,
		OutputMB:  16,
	}

	tests := []struct {
		name string
		res  result.RunResult
		want result.Verdict
	}{
		{
			name: "accepted",
			res:  result.RunResult{ExitCode: 0, TimeMs: 120, MemoryKB: 2048},
			want: result.VerdictAC,
		},
		{
			name: "wall clock kill maps to TLE",
			res:  result.RunResult{ExitCode: -1, TimedOut: true},
			want: result.VerdictTLE,
		},
		{
			name: "cpu limit exhausted maps to TLE",
			res:  result.RunResult{ExitCode: -1, TimeMs: 1001},
			want: result.VerdictTLE,
		},
		{
			name: "oom kill maps to MLE",
			res:  result.RunResult{ExitCode: -1, OomKilled: true},
			want: result.VerdictMLE,
		},
		{
			name: "memory over limit maps to MLE",
			res:  result.RunResult{ExitCode: 0, MemoryKB: 256*1024 + 1},
			want: result.VerdictMLE,
		},
		{
			name: "output over limit maps to OLE",
			res:  result.RunResult{ExitCode: 0, OutputKB: 16*1024 + 1},
			want: result.VerdictOLE,
		},
		{
			name: "nonzero exit maps to RE",
			res:  result.RunResult{ExitCode: 1},
			want: result.VerdictRE,
		},
		{
			name: "signal death without timeout maps to RE",
			res:  result.RunResult{ExitCode: -1, TimeMs: 50},
			want: result.VerdictRE,
		},
		{
			name: "oom kill wins over concurrent timeout",
			res:  result.RunResult{ExitCode: -1, TimedOut: true, OomKilled: true},
			want: result.VerdictMLE,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := mapRunVerdict(tt.res, limits)
			if got != tt.want {
				t.Fatalf("mapRunVerdict() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMapRunVerdictUnlimited(t *testing.T) {
	t.Parallel()

	// Zero limits disable the corresponding checks.
	res := result.RunResult{ExitCode: 0, MemoryKB: 1 << 30, OutputKB: 1 << 30}
	if got := mapRunVerdict(res, spec.ResourceLimit{}); got != result.VerdictAC {
		t.Fatalf("mapRunVerdict() = %s, want AC", got)
	}
}

func TestBuildCommand(t *testing.T) {
	t.Parallel()

	lang := profile.LanguageSpec{
		ID:         "cpp17",
		SourceFile: "main.cpp",
		BinaryFile: "main",
	}

	tests := []struct {
		name    string
		tpl     string
		flags   []string
		want    []string
		wantErr bool
	}{
		{
			name: "compile template",
			tpl:  "g++ -O2 -std=c++17 {src} -o {bin}",
			want: []string{"g++", "-O2", "-std=c++17", "/work/main.cpp", "-o", "/work/main"},
		},
		{
			name:  "extra flags expanded",
			tpl:   "g++ {extraFlags} {src} -o {bin}",
			flags: []string{"-DLOCAL", "-g"},
			want:  []string{"g++", "-DLOCAL", "-g", "/work/main.cpp", "-o", "/work/main"},
		},
		{
			name: "quoted args survive splitting",
			tpl:  `sh -c "ulimit -s unlimited && {bin}"`,
			want: []string{"sh", "-c", "ulimit -s unlimited && /work/main"},
		},
		{
			name:    "empty template rejected",
			tpl:     "   ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := buildCommand(tt.tpl, lang, tt.flags)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("buildCommand() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("buildCommand() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("buildCommand() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyLimits(t *testing.T) {
	t.Parallel()

	defaults := spec.ResourceLimit{
		CPUTimeMs:  1000,
		WallTimeMs: 3000,
		MemoryMB:   256,
		StackMB:    64,
		OutputMB:   16,
		PIDs:       32,
	}
	lang := profile.LanguageSpec{TimeMultiplier: 2, MemoryMultiplier: 1.5}

	got := applyLimits(spec.ResourceLimit{CPUTimeMs: 500}, defaults, lang)
	if got.CPUTimeMs != 1000 {
		t.Fatalf("CPUTimeMs = %d, want 1000 (500ms override x2)", got.CPUTimeMs)
	}
	if got.WallTimeMs != 6000 {
		t.Fatalf("WallTimeMs = %d, want 6000", got.WallTimeMs)
	}
	if got.MemoryMB != 384 {
		t.Fatalf("MemoryMB = %d, want 384", got.MemoryMB)
	}
	if got.StackMB != 64 || got.OutputMB != 16 || got.PIDs != 32 {
		t.Fatalf("unscaled limits changed: %+v", got)
	}
}

func TestScaleLimitRoundsUp(t *testing.T) {
	t.Parallel()

	if got := scaleLimit(1000, 1.001); got != 1001 {
		t.Fatalf("scaleLimit(1000, 1.001) = %d, want 1001", got)
	}
	if got := scaleLimit(1000, 0); got != 1000 {
		t.Fatalf("scaleLimit(1000, 0) = %d, want 1000", got)
	}
	if got := scaleLimit(0, 2); got != 0 {
		t.Fatalf("scaleLimit(0, 2) = %d, want 0", got)
	}
}

func TestIONames(t *testing.T) {
	t.Parallel()

	stdio := IOConfig{Mode: "stdio"}
	if inputName(stdio) != defaultInputName || outputName(stdio) != defaultOutputName {
		t.Fatalf("stdio names = %s/%s", inputName(stdio), outputName(stdio))
	}

	fileio := IOConfig{Mode: "fileio", InputFileName: "game.in", OutputFileName: "game.out"}
	if inputName(fileio) != "game.in" || outputName(fileio) != "game.out" {
		t.Fatalf("fileio names = %s/%s", inputName(fileio), outputName(fileio))
	}
}

func TestProfileName(t *testing.T) {
	t.Parallel()

	if got := profileName("cpp17", profile.TaskTypeRun); got != "cpp17-run" {
		t.Fatalf("profileName() = %s, want cpp17-run", got)
	}
	if got := profileName("", profile.TaskTypeCompile); got != string(profile.TaskTypeCompile) {
		t.Fatalf("profileName() = %s, want %s", got, profile.TaskTypeCompile)
	}
}
