package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"microscopy-analyzer/internal/failure"
)

// CommandDevice drives a device node through external encoder commands
// (typically ffmpeg reading v4l2). "{device}" in the command arguments is
// replaced with DevicePath. The still command must write one encoded frame to
// stdout, the video command must stream a container to stdout until it is
// interrupted.
type CommandDevice struct {
	DevicePath   string
	StillCommand []string
	StillMime    string
	VideoCommand []string
	VideoMime    string
	// StopGrace bounds how long the recorder gets to flush after an interrupt.
	StopGrace time.Duration
}

func (d *CommandDevice) Name() string {
	return d.DevicePath
}

// Open checks that the device node is present and readable by this process.
func (d *CommandDevice) Open(ctx context.Context) (Session, error) {
	f, err := os.OpenFile(d.DevicePath, os.O_RDONLY, 0)
	if err != nil {
		if os.IsPermission(err) {
			return nil, failure.Wrap(failure.KindDeviceAccessDenied, err, "permission to use the camera was denied")
		}
		return nil, failure.Wrap(failure.KindDeviceAccessDenied, err, "camera not available")
	}
	// The encoder opens the node itself; this handle only proves access.
	f.Close()
	return &commandSession{dev: d}, nil
}

type commandSession struct {
	dev *CommandDevice
	cmd *exec.Cmd
}

func (s *commandSession) args(tmpl []string) ([]string, error) {
	if len(tmpl) == 0 {
		return nil, errors.New("no capture command configured")
	}
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = strings.ReplaceAll(a, "{device}", s.dev.DevicePath)
	}
	return out, nil
}

func (s *commandSession) Still(ctx context.Context) ([]byte, string, error) {
	argv, err := s.args(s.dev.StillCommand)
	if err != nil {
		return nil, "", err
	}

	var stdout, stderr bytes.Buffer
	s.cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	s.cmd.Stdout = &stdout
	s.cmd.Stderr = &stderr
	if err := s.cmd.Run(); err != nil {
		return nil, "", fmt.Errorf("still command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	mt := s.dev.StillMime
	if mt == "" {
		mt = "image/jpeg"
	}
	return stdout.Bytes(), mt, nil
}

func (s *commandSession) Record(ctx context.Context, stop <-chan struct{}, emit func([]byte)) (string, error) {
	argv, err := s.args(s.dev.VideoCommand)
	if err != nil {
		return "", err
	}

	s.cmd = exec.Command(argv[0], argv[1:]...)
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := s.cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start recorder: %w", err)
	}

	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, rerr := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				emit(chunk)
			}
			if rerr != nil {
				if rerr == io.EOF {
					rerr = nil
				}
				readDone <- rerr
				return
			}
		}
	}()

	var stopErr error
	select {
	case <-stop:
	case <-ctx.Done():
		stopErr = ctx.Err()
	case rerr := <-readDone:
		// Recorder exited by itself.
		werr := s.cmd.Wait()
		s.cmd = nil
		if rerr != nil {
			return "", rerr
		}
		if werr != nil {
			return "", fmt.Errorf("recorder exited: %w", werr)
		}
		return s.videoMime(), nil
	}

	// Ask the encoder to finalize the container, then give it a bounded
	// amount of time before killing it.
	_ = s.cmd.Process.Signal(os.Interrupt)
	grace := s.dev.StopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-readDone:
	case <-time.After(grace):
		_ = s.cmd.Process.Kill()
		<-readDone
	}
	_ = s.cmd.Wait()
	s.cmd = nil

	if stopErr != nil {
		return "", stopErr
	}
	return s.videoMime(), nil
}

func (s *commandSession) videoMime() string {
	if s.dev.VideoMime != "" {
		return s.dev.VideoMime
	}
	return "video/webm"
}

// Close kills a still-running encoder.
func (s *commandSession) Close() error {
	if s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
	return nil
}
