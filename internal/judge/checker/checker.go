// Package checker compares program output against the expected answer.
package checker

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	appErr "arbiter/pkg/errors"
)

// Mode selects the comparison strategy.
type Mode string

const (
	// ModeExact compares line by line, ignoring trailing whitespace on each
	// line and trailing blank lines at the end of either stream.
	ModeExact Mode = "exact"

	// ModeFloat compares token by token; numeric tokens match when they are
	// within epsilon of each other, all other tokens must match exactly.
	ModeFloat Mode = "float"
)

// DefaultEpsilon is used for float comparison when the problem does not set one.
const DefaultEpsilon = 1e-6

// Comparator decides whether program output matches the expected answer.
type Comparator interface {
	// Compare returns true when output matches answer. When it returns
	// false, reason describes the first mismatch.
	Compare(output, answer io.Reader) (ok bool, reason string, err error)
}

// New creates a comparator for the given mode.
func New(mode Mode, epsilon float64) (Comparator, error) {
	switch mode {
	case "", ModeExact:
		return &exactComparator{}, nil
	case ModeFloat:
		if epsilon <= 0 {
			epsilon = DefaultEpsilon
		}
		return &floatComparator{epsilon: epsilon}, nil
	default:
		return nil, appErr.Newf(appErr.InvalidParams, "unsupported checker mode: %s", mode)
	}
}

// CompareFiles opens both files and runs the comparator on them.
func CompareFiles(cmp Comparator, outputPath, answerPath string) (bool, string, error) {
	outFile, err := os.Open(outputPath)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.JudgeSystemError, "open output failed")
	}
	defer outFile.Close()

	ansFile, err := os.Open(answerPath)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.JudgeSystemError, "open answer failed")
	}
	defer ansFile.Close()

	return cmp.Compare(outFile, ansFile)
}

type exactComparator struct{}

func (c *exactComparator) Compare(output, answer io.Reader) (bool, string, error) {
	outLines, err := readTrimmedLines(output)
	if err != nil {
		return false, "", err
	}
	ansLines, err := readTrimmedLines(answer)
	if err != nil {
		return false, "", err
	}

	n := len(outLines)
	if len(ansLines) < n {
		n = len(ansLines)
	}
	for i := 0; i < n; i++ {
		if outLines[i] != ansLines[i] {
			return false, fmt.Sprintf("line %d differs", i+1), nil
		}
	}
	if len(outLines) != len(ansLines) {
		return false, fmt.Sprintf("expected %d lines, got %d", len(ansLines), len(outLines)), nil
	}
	return true, "", nil
}

// readTrimmedLines collects lines with trailing whitespace removed and
// trailing blank lines dropped. Line endings are normalized so CRLF output
// compares equal to LF answers.
func readTrimmedLines(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), " \t\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "read stream failed")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

type floatComparator struct {
	epsilon float64
}

func (c *floatComparator) Compare(output, answer io.Reader) (bool, string, error) {
	outScan := bufio.NewScanner(output)
	outScan.Buffer(make([]byte, 64*1024), 16*1024*1024)
	outScan.Split(bufio.ScanWords)
	ansScan := bufio.NewScanner(answer)
	ansScan.Buffer(make([]byte, 64*1024), 16*1024*1024)
	ansScan.Split(bufio.ScanWords)

	idx := 0
	for {
		outOK := outScan.Scan()
		ansOK := ansScan.Scan()
		if err := outScan.Err(); err != nil {
			return false, "", appErr.Wrapf(err, appErr.JudgeSystemError, "read output failed")
		}
		if err := ansScan.Err(); err != nil {
			return false, "", appErr.Wrapf(err, appErr.JudgeSystemError, "read answer failed")
		}
		if !outOK && !ansOK {
			return true, "", nil
		}
		if outOK != ansOK {
			return false, fmt.Sprintf("token count differs at token %d", idx+1), nil
		}
		idx++

		outTok := outScan.Text()
		ansTok := ansScan.Text()
		if outTok == ansTok {
			continue
		}
		outVal, outErr := strconv.ParseFloat(outTok, 64)
		ansVal, ansErr := strconv.ParseFloat(ansTok, 64)
		if outErr != nil || ansErr != nil {
			return false, fmt.Sprintf("token %d differs", idx), nil
		}
		if !floatsClose(outVal, ansVal, c.epsilon) {
			return false, fmt.Sprintf("token %d differs by more than %g", idx, c.epsilon), nil
		}
	}
}

// floatsClose uses a combined absolute/relative tolerance so large magnitudes
// are not penalized by absolute error alone.
func floatsClose(a, b, eps float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	if math.IsInf(a, 0) || math.IsInf(b, 0) {
		return a == b
	}
	diff := math.Abs(a - b)
	if diff <= eps {
		return true
	}
	return diff <= eps*math.Max(math.Abs(a), math.Abs(b))
}
