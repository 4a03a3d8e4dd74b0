//go:build linux && cgo

// sandbox-init is the in-namespace bootstrap executed by the judge
// engine. It reads its setup request from stdin, finishes isolating the
// process (mounts, chroot, rlimits, IO redirection, seccomp) and then
// execs the target command. It never returns on success.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// Wire structs mirror the engine's initRequest. Field names must stay
// in sync with the engine side.
type resourceLimit struct {
	CPUTimeMs  int64
	WallTimeMs int64
	MemoryMB   int64
	StackMB    int64
	OutputMB   int64
	PIDs       int64
}

type mountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

type runSpec struct {
	SubmissionID string
	TestID       string
	WorkDir      string
	Cmd          []string
	Env          []string
	StdinPath    string
	StdoutPath   string
	StderrPath   string
	BindMounts   []mountSpec
	Profile      string
	Limits       resourceLimit
}

type isolationProfile struct {
	RootFS         string
	SeccompProfile string
	DisableNetwork bool
}

type initRequest struct {
	RunSpec       runSpec
	Isolation     isolationProfile
	EnableSeccomp bool
	EnableNs      bool
}

type seccompProfile struct {
	DefaultAction string        `json:"defaultAction"`
	Syscalls      []seccompRule `json:"syscalls"`
}

type seccompRule struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func main() {
	var req initRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		fatal("decode init request: %v", err)
	}

	if req.EnableNs {
		if err := setupMounts(req); err != nil {
			fatal("setup mounts: %v", err)
		}
	}
	if err := os.Chdir(req.RunSpec.WorkDir); err != nil {
		fatal("chdir %s: %v", req.RunSpec.WorkDir, err)
	}
	if err := applyRlimits(req.RunSpec.Limits); err != nil {
		fatal("apply rlimits: %v", err)
	}
	if err := redirectIO(req.RunSpec); err != nil {
		fatal("redirect io: %v", err)
	}
	if req.EnableSeccomp && req.Isolation.SeccompProfile != "" {
		if err := applySeccomp(req.Isolation.SeccompProfile); err != nil {
			fatal("apply seccomp: %v", err)
		}
	}

	binary, err := lookupBinary(req.RunSpec.Cmd[0])
	if err != nil {
		fatal("resolve %s: %v", req.RunSpec.Cmd[0], err)
	}
	if err := unix.Exec(binary, req.RunSpec.Cmd, buildEnv(req.RunSpec.Env)); err != nil {
		fatal("exec %s: %v", binary, err)
	}
}

// setupMounts makes the mount namespace private, applies bind mounts and
// pivots into the configured root filesystem.
func setupMounts(req initRequest) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("remount private: %w", err)
	}

	root := req.Isolation.RootFS
	if root == "" {
		root = "/"
	}

	for _, m := range req.RunSpec.BindMounts {
		target := m.Target
		if root != "/" {
			target = filepath.Join(root, m.Target)
		}
		if err := ensureMountPoint(m.Source, target); err != nil {
			return err
		}
		if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind %s -> %s: %w", m.Source, target, err)
		}
		if m.ReadOnly {
			flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
			if err := unix.Mount("", target, "", flags, ""); err != nil {
				return fmt.Errorf("remount ro %s: %w", target, err)
			}
		}
	}

	if root != "/" {
		procPath := filepath.Join(root, "proc")
		if err := os.MkdirAll(procPath, 0555); err == nil {
			if err := unix.Mount("proc", procPath, "proc", 0, ""); err != nil {
				return fmt.Errorf("mount proc: %w", err)
			}
		}
		if err := unix.Chroot(root); err != nil {
			return fmt.Errorf("chroot %s: %w", root, err)
		}
		if err := os.Chdir("/"); err != nil {
			return fmt.Errorf("chdir /: %w", err)
		}
	}
	return nil
}

func ensureMountPoint(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat %s: %w", source, err)
	}
	if info.IsDir() {
		return os.MkdirAll(target, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

func applyRlimits(limits resourceLimit) error {
	if limits.CPUTimeMs > 0 {
		// Round up to whole seconds; the engine's wall-clock killer
		// provides the precise bound.
		secs := uint64((limits.CPUTimeMs + 999) / 1000)
		if err := setRlimit(unix.RLIMIT_CPU, secs+1, secs+1); err != nil {
			return err
		}
	}
	if limits.OutputMB > 0 {
		bytes := uint64(limits.OutputMB) << 20
		if err := setRlimit(unix.RLIMIT_FSIZE, bytes, bytes); err != nil {
			return err
		}
	}
	if limits.StackMB > 0 {
		bytes := uint64(limits.StackMB) << 20
		if err := setRlimit(unix.RLIMIT_STACK, bytes, bytes); err != nil {
			return err
		}
	}
	if limits.PIDs > 0 {
		if err := setRlimit(unix.RLIMIT_NPROC, uint64(limits.PIDs), uint64(limits.PIDs)); err != nil {
			return err
		}
	}
	return nil
}

func setRlimit(resource int, cur, max uint64) error {
	rl := unix.Rlimit{Cur: cur, Max: max}
	if err := unix.Setrlimit(resource, &rl); err != nil {
		return fmt.Errorf("setrlimit %d: %w", resource, err)
	}
	return nil
}

func redirectIO(rs runSpec) error {
	if rs.StdinPath != "" {
		fd, err := unix.Open(rs.StdinPath, unix.O_RDONLY, 0)
		if err != nil {
			return fmt.Errorf("open stdin %s: %w", rs.StdinPath, err)
		}
		if err := unix.Dup2(fd, 0); err != nil {
			return fmt.Errorf("dup2 stdin: %w", err)
		}
		unix.Close(fd)
	}
	if rs.StdoutPath != "" {
		if err := dupToFile(rs.StdoutPath, 1); err != nil {
			return err
		}
	}
	if rs.StderrPath != "" {
		if err := dupToFile(rs.StderrPath, 2); err != nil {
			return err
		}
	}
	return nil
}

func dupToFile(path string, fd int) error {
	f, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if err := unix.Dup2(f, fd); err != nil {
		return fmt.Errorf("dup2 fd %d: %w", fd, err)
	}
	unix.Close(f)
	return nil
}

func applySeccomp(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("read seccomp profile: %w", err)
	}
	var prof seccompProfile
	if err := json.Unmarshal(data, &prof); err != nil {
		return fmt.Errorf("parse seccomp profile: %w", err)
	}

	defaultAction, err := parseSeccompAction(prof.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("new seccomp filter: %w", err)
	}
	defer filter.Release()

	for _, rule := range prof.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			sc, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Unknown syscalls on this kernel are skipped.
				continue
			}
			if err := filter.AddRule(sc, action); err != nil {
				return fmt.Errorf("add rule %s: %w", name, err)
			}
		}
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

func parseSeccompAction(name string) (seccomp.ScmpAction, error) {
	switch name {
	case "SCMP_ACT_ALLOW", "allow":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_ERRNO", "errno":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case "SCMP_ACT_KILL", "kill":
		return seccomp.ActKillProcess, nil
	case "SCMP_ACT_LOG", "log":
		return seccomp.ActLog, nil
	default:
		return seccomp.ActInvalid, fmt.Errorf("unknown seccomp action: %s", name)
	}
}

func buildEnv(env []string) []string {
	out := make([]string, 0, len(env)+2)
	hasPath := false
	for _, e := range env {
		if len(e) >= 5 && e[:5] == "PATH=" {
			hasPath = true
		}
		out = append(out, e)
	}
	if !hasPath {
		out = append(out, "PATH=/usr/local/bin:/usr/bin:/bin")
	}
	out = append(out, "HOME=/tmp")
	return out
}

func lookupBinary(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	for _, dir := range []string{"/usr/local/bin", "/usr/bin", "/bin"} {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("binary not found in sandbox PATH")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "sandbox-init: "+format+"\n", args...)
	os.Exit(125)
}
