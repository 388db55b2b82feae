package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/andresmejia3/facetrace/internal/utils" // Using the SafeCommand wrapper
)

// Response status bytes written by python/verify_worker.py.
const (
	statusOK    = 0
	statusError = 1
)

// ErrRemote marks an error reported by the worker itself. The worker stays
// usable; any other error from Verify means the pipe is broken.
var ErrRemote = errors.New("python worker error")

// Config describes how to launch a verification worker.
type Config struct {
	Python          string `yaml:"python"`
	Script          string `yaml:"script"`
	Model           string `yaml:"model"`
	DetectorBackend string `yaml:"detector_backend"`
}

// DefaultConfig launches the bundled DeepFace worker with Facenet.
func DefaultConfig() Config {
	return Config{
		Python:          "python3",
		Script:          "python/verify_worker.py",
		Model:           "Facenet",
		DetectorBackend: "opencv",
	}
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script,
		"--model", cfg.Model, "--detector-backend", cfg.DetectorBackend)

	// Create a side-channel pipe (FD 3) so library prints on stdout never corrupt the protocol
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where a crashed interpreter shows up
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Verify asks the worker whether candidate shows the same person as reference.
// Both images are encoded (JPEG or PNG) bytes.
//
// Request:  [RefLen][Ref][CandLen][Cand]
// Response: [Status:0][Verified:u8][Distance:f32] or [Status:1][MsgLen][Msg]
func (w *PythonWorker) Verify(reference, candidate []byte) (bool, float64, error) {
	req := new(bytes.Buffer)
	req.Grow(8 + len(reference) + len(candidate))
	binary.Write(req, binary.BigEndian, uint32(len(reference)))
	req.Write(reference)
	binary.Write(req, binary.BigEndian, uint32(len(candidate)))
	req.Write(candidate)

	resp, err := w.Communicate(req.Bytes())
	if err != nil {
		return false, 0, fmt.Errorf("worker %d: %w", w.ID, err)
	}
	return parseVerifyResponse(resp)
}

func parseVerifyResponse(resp []byte) (bool, float64, error) {
	if len(resp) < 1 {
		return false, 0, fmt.Errorf("empty response from python worker")
	}

	switch resp[0] {
	case statusOK:
		if len(resp) < 6 {
			return false, 0, fmt.Errorf("short response from python worker: %d bytes", len(resp))
		}
		verified := resp[1] == 1
		distance := math.Float32frombits(binary.BigEndian.Uint32(resp[2:6]))
		return verified, float64(distance), nil

	case statusError:
		if len(resp) < 5 {
			return false, 0, fmt.Errorf("%w: (no message)", ErrRemote)
		}
		msgLen := binary.BigEndian.Uint32(resp[1:5])
		if int(msgLen) > len(resp)-5 {
			return false, 0, fmt.Errorf("%w: truncated message", ErrRemote)
		}
		return false, 0, fmt.Errorf("%w: %s", ErrRemote, resp[5:5+msgLen])

	default:
		return false, 0, fmt.Errorf("unknown status byte %d from python worker", resp[0])
	}
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
