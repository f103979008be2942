package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
)

const (
	maxLogBytes    = 2 << 20
	maxStdoutBytes = 1 << 20
	maxStderrBytes = 256 << 10

	stdoutPrefix = "STDOUT:"
	stderrPrefix = "STDERR:"
)

// demux splits raw container output into stdout and stderr. Output carrying
// the engine's 8-byte stream headers is split by header; anything else is
// split line by line, routing "STDERR:" lines to stderr and stripping the
// optional "STDOUT:" marker.
func demux(raw []byte) (string, string) {
	if framed(raw) {
		var stdout, stderr bytes.Buffer
		if _, err := stdcopy.StdCopy(&stdout, &stderr, bytes.NewReader(raw)); err == nil {
			return truncate(stdout.String(), maxStdoutBytes), truncate(stderr.String(), maxStderrBytes)
		}
	}
	return splitPrefixed(string(raw))
}

func framed(raw []byte) bool {
	if len(raw) < 8 {
		return false
	}
	switch raw[0] {
	case byte(stdcopy.Stdin), byte(stdcopy.Stdout), byte(stdcopy.Stderr), byte(stdcopy.Systemerr):
	default:
		return false
	}
	return raw[1] == 0 && raw[2] == 0 && raw[3] == 0
}

func splitPrefixed(s string) (string, string) {
	var stdout, stderr strings.Builder
	for _, line := range strings.SplitAfter(s, "\n") {
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, stderrPrefix):
			stderr.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, stderrPrefix), " "))
		case strings.HasPrefix(line, stdoutPrefix):
			stdout.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, stdoutPrefix), " "))
		default:
			stdout.WriteString(line)
		}
	}
	return truncate(stdout.String(), maxStdoutBytes), truncate(stderr.String(), maxStderrBytes)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... [truncated]"
}

// codeArchive packs the payload as a single read-only file owned by the
// sandbox user, ready for CopyTo.
func codeArchive(name, code string, modTime time.Time) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o444,
		Size:    int64(len(code)),
		Uid:     sandboxUID,
		Gid:     sandboxUID,
		ModTime: modTime,
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(code)); err != nil {
		return nil, fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	return &buf, nil
}
